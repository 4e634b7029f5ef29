package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/jglowsoap/jimini/internal/audit"
	"github.com/jglowsoap/jimini/internal/config"
)

// Sink is one destination for sealed audit records.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec audit.Record) error
}

const sinkTimeout = 10 * time.Second

// NewSink builds the concrete sink a config entry describes.
func NewSink(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "splunk":
		if cfg.URL == "" {
			return nil, fmt.Errorf("forward: splunk sink %q requires a url", cfg.Name)
		}
		return &splunkSink{name: cfg.Name, url: cfg.URL, token: cfg.Token, client: newSinkClient()}, nil
	case "elastic":
		if cfg.URL == "" {
			return nil, fmt.Errorf("forward: elastic sink %q requires a url", cfg.Name)
		}
		index := cfg.Index
		if index == "" {
			index = "jimini-audit"
		}
		return &elasticSink{name: cfg.Name, url: strings.TrimRight(cfg.URL, "/"), index: index, client: newSinkClient()}, nil
	case "webhook":
		if cfg.URL == "" {
			return nil, fmt.Errorf("forward: webhook sink %q requires a url", cfg.Name)
		}
		sink := &webhookSink{name: cfg.Name, url: cfg.URL, client: newSinkClient()}
		if strings.TrimSpace(cfg.Template) != "" {
			tmpl, err := template.New(cfg.Name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(cfg.Template)
			if err != nil {
				return nil, fmt.Errorf("forward: webhook sink %q template: %w", cfg.Name, err)
			}
			sink.tmpl = tmpl
		}
		return sink, nil
	case "valkey":
		return newValkeySink(cfg)
	default:
		return nil, fmt.Errorf("forward: unsupported sink type %q", cfg.Type)
	}
}

func newSinkClient() *http.Client {
	return &http.Client{Timeout: sinkTimeout}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forward: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("forward: post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// splunkSink ships records to a Splunk HTTP Event Collector endpoint.
type splunkSink struct {
	name   string
	url    string
	token  string
	client *http.Client
}

func (s *splunkSink) Name() string { return s.name }

func (s *splunkSink) Deliver(ctx context.Context, rec audit.Record) error {
	payload, err := json.Marshal(map[string]any{
		"event":      rec,
		"sourcetype": "jimini:audit",
	})
	if err != nil {
		return fmt.Errorf("forward: splunk marshal: %w", err)
	}
	headers := map[string]string{}
	if s.token != "" {
		headers["Authorization"] = "Splunk " + s.token
	}
	return postJSON(ctx, s.client, s.url, headers, payload)
}

// elasticSink indexes each record as a document.
type elasticSink struct {
	name   string
	url    string
	index  string
	client *http.Client
}

func (s *elasticSink) Name() string { return s.name }

func (s *elasticSink) Deliver(ctx context.Context, rec audit.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("forward: elastic marshal: %w", err)
	}
	return postJSON(ctx, s.client, s.url+"/"+s.index+"/_doc", nil, payload)
}

// webhookSink posts records to an arbitrary endpoint. An optional inline
// template reshapes the payload; sprig functions are available, the same way
// other rendered surfaces in this codebase work.
type webhookSink struct {
	name   string
	url    string
	tmpl   *template.Template
	client *http.Client
}

func (s *webhookSink) Name() string { return s.name }

func (s *webhookSink) Deliver(ctx context.Context, rec audit.Record) error {
	var payload []byte
	if s.tmpl != nil {
		var buf bytes.Buffer
		if err := s.tmpl.Execute(&buf, rec); err != nil {
			return fmt.Errorf("forward: webhook template: %w", err)
		}
		payload = buf.Bytes()
	} else {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("forward: webhook marshal: %w", err)
		}
		payload = raw
	}
	return postJSON(ctx, s.client, s.url, nil, payload)
}

// valkeySink pushes records onto a valkey list so downstream consumers can
// drain the audit stream at their own pace.
type valkeySink struct {
	name    string
	listKey string
	client  valkey.Client
}

func newValkeySink(cfg config.SinkConfig) (Sink, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("forward: valkey sink %q requires an address", cfg.Name)
	}
	listKey := cfg.ListKey
	if listKey == "" {
		listKey = "jimini:audit"
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("forward: valkey client: %w", err)
	}
	return &valkeySink{name: cfg.Name, listKey: listKey, client: client}, nil
}

func (s *valkeySink) Name() string { return s.name }

func (s *valkeySink) Deliver(ctx context.Context, rec audit.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("forward: valkey marshal: %w", err)
	}
	cmd := s.client.B().Rpush().Key(s.listKey).Element(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("forward: valkey rpush: %w", err)
	}
	return nil
}

// Close releases the valkey connection; other sink types have nothing to free.
func (s *valkeySink) Close() {
	s.client.Close()
}
