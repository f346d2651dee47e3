package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"auth-gateway/internal/config"
	"auth-gateway/internal/models"
	"auth-gateway/internal/util"
)

// ESClient indexes auth events for free-text search from the audit endpoint.
type ESClient struct {
	client *elasticsearch.Client
	index  string
}

func NewESClient(cfg *config.Config) (*ESClient, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.Elasticsearch.URL},
	}
	if cfg.Elasticsearch.Username != "" {
		esCfg.Username = cfg.Elasticsearch.Username
		esCfg.Password = cfg.Elasticsearch.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch connection failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info: %s", res.String())
	}

	util.Info("Elasticsearch client connected", util.String("addr", cfg.Elasticsearch.URL))
	return &ESClient{client: es, index: cfg.Elasticsearch.Index}, nil
}

// IndexEvent stores one auth event document keyed by event ID.
func (e *ESClient) IndexEvent(ctx context.Context, ev *models.AuthEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: ev.EventID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index event: %s", res.String())
	}
	return nil
}

// SearchByContact returns the most recent events for a contact hash, newest
// first.
func (e *ESClient) SearchByContact(ctx context.Context, contactHash string, limit int) ([]*models.AuthEvent, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"contact_hash": contactHash,
			},
		},
		"sort": []map[string]interface{}{
			{"occurred_at": map[string]interface{}{"order": "desc"}},
		},
		"size": limit,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search events: %s", res.String())
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source models.AuthEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	events := make([]*models.AuthEvent, 0, len(parsed.Hits.Hits))
	for i := range parsed.Hits.Hits {
		ev := parsed.Hits.Hits[i].Source
		events = append(events, &ev)
	}
	return events, nil
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.String())
	}
	return nil
}
