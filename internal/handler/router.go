package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

// NewRouter assembles the HTTP surface.
func NewRouter(authHandler *AuthHandler, healthHandler *HealthHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		// Cookies are the whole point; credentialed CORS is required.
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.IsProduction() && cfg.Server.EnableTLS {
		r.Use(requireHTTPS)
	}

	r.Get("/health", healthHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signin", authHandler.SignIn)
			r.Post("/signout", authHandler.SignOut)
			r.Post("/refresh", authHandler.Refresh)
			r.Get("/session", authHandler.Session)
			r.Get("/callback", authHandler.Callback)
			r.Get("/oauth/{provider}", func(w http.ResponseWriter, req *http.Request) {
				authHandler.OAuthStart(w, req, chi.URLParam(req, "provider"))
			})
			r.Post("/password/reset", authHandler.PasswordReset)
			r.Post("/phone/start", authHandler.PhoneStart)
			r.Post("/phone/verify", authHandler.PhoneVerify)
			r.Post("/twofactor/start", authHandler.TwoFactorStart)
			r.Post("/twofactor/verify", authHandler.TwoFactorVerify)
			r.Post("/twofactor/skip", authHandler.TwoFactorSkip)
		})
		r.Route("/codes", func(r chi.Router) {
			r.Post("/send", authHandler.SendCode)
			r.Post("/verify", authHandler.VerifyCode)
			r.Get("/history", authHandler.CodeHistory)
		})
		r.Get("/audit/search", authHandler.AuditSearch)
		r.Get("/audit/stats", authHandler.AuditStats)
	})

	return r
}

// corsOrigins allows the parent domain and every subdomain under it, plus
// the local dev hosts.
func corsOrigins(cfg *config.Config) []string {
	origins := []string{
		"https://" + cfg.Cookie.ParentDomain,
		"https://*." + cfg.Cookie.ParentDomain,
	}
	if cfg.IsDevelopment() {
		origins = append(origins, "http://localhost:*", "http://127.0.0.1:*")
	}
	return origins
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		util.Info("request",
			util.String("method", r.Method),
			util.String("path", r.URL.Path),
			util.Int("status", ww.Status()),
			util.Duration("duration", time.Since(start)),
			util.String("remote", r.RemoteAddr),
		)
	})
}

func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}
