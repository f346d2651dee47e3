package service

import (
	"sync"

	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/config"
	"auth-gateway/internal/delivery"
	"auth-gateway/internal/encryption"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/redirect"
	redisrepo "auth-gateway/internal/repository/redis"
	"auth-gateway/internal/repository/scylla"
)

// ServiceFactory wires the service layer once and hands out singletons.
type ServiceFactory struct {
	config *config.Config

	verification *VerificationService
	twoFactor    *TwoFactorService
	authFlow     *AuthFlowService

	once sync.Once
}

// ServiceDeps is everything the factory needs from the infrastructure
// layer.
type ServiceDeps struct {
	CodeCache  *redisrepo.CodeCache
	CodeLedger scylla.CodeLedger
	Flags      scylla.SecurityFlagsStore
	Hasher     *hashing.Hasher
	Encryptor  *encryption.EncryptionManager
	Bucketing  *bucketing.BucketingManager
	Email      delivery.EmailSender
	SMS        delivery.SMSSender
	Provider   IdentityProvider
	Bridge     PhoneBridge
	Audit      *audit.Emitter
	Resolver   *redirect.Resolver
}

func NewServiceFactory(cfg *config.Config, deps ServiceDeps) *ServiceFactory {
	f := &ServiceFactory{config: cfg}
	f.once.Do(func() {
		f.verification = NewVerificationService(
			deps.CodeCache, deps.CodeLedger, deps.Hasher, deps.Encryptor,
			deps.Bucketing, deps.Email, deps.SMS, deps.Audit, cfg,
		)
		f.twoFactor = NewTwoFactorService(f.verification, deps.Provider, deps.Flags, deps.Audit)
		f.authFlow = NewAuthFlowService(deps.Provider, deps.Bridge, deps.Flags, deps.Resolver, deps.Audit, cfg)
	})
	return f
}

func (f *ServiceFactory) Verification() *VerificationService { return f.verification }
func (f *ServiceFactory) TwoFactor() *TwoFactorService       { return f.twoFactor }
func (f *ServiceFactory) AuthFlow() *AuthFlowService         { return f.authFlow }
