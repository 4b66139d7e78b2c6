package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"gaiola-hub-backend/config"
	"gaiola-hub-backend/internal/hub"
)

// Importer receives driver manifests. *hub.Engine implements it.
type Importer interface {
	ImportDrivers(ctx context.Context, rows []hub.DriverImport) (hub.ImportReport, error)
}

// Service polls the upstream manifest and upserts the drivers it lists.
type Service struct {
	cfg      config.FeedConfig
	importer Importer
	client   *http.Client
	logger   *zap.Logger
}

// NewService creates a manifest poller.
func NewService(cfg config.FeedConfig, importer Importer, logger *zap.Logger) *Service {
	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			logger.Warn("invalid proxy URL, feed will not use a proxy", zap.String("proxy", cfg.HTTPProxy), zap.Error(err))
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	return &Service{
		cfg:      cfg,
		importer: importer,
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// Run syncs immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("driver feed is disabled, not starting")
		return
	}
	s.logger.Info("starting driver feed", zap.Duration("interval", s.cfg.Interval))

	s.runOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("driver feed shutting down")
			return
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("driver feed sync failed", zap.Error(err))
	}
}

// SyncOnce fetches every manifest page and imports the drivers. A failed page
// fails the round only when nothing was fetched before it.
func (s *Service) SyncOnce(ctx context.Context) (hub.ImportReport, error) {
	var items []ManifestItem
	total := 1
	pageSize := s.cfg.Request.PageSize
	var fetchErr error
	for page := 1; (page-1)*pageSize < total; page++ {
		resp, err := s.fetchPage(ctx, page)
		if err != nil {
			s.logger.Warn("failed to fetch manifest page", zap.Int("page", page), zap.Error(err))
			fetchErr = err
			break
		}
		if resp.Data.Total == 0 || len(resp.Data.Items) == 0 {
			break
		}
		total = resp.Data.Total
		items = append(items, resp.Data.Items...)
		s.logger.Debug("fetched manifest page", zap.Int("page", page), zap.Int("total", total), zap.Int("items", len(items)))
	}

	if fetchErr != nil && len(items) == 0 {
		return hub.ImportReport{}, fmt.Errorf("manifest fetch failed: %w", fetchErr)
	}
	if len(items) == 0 {
		return hub.ImportReport{}, nil
	}

	rows := make([]hub.DriverImport, 0, len(items))
	for _, it := range items {
		rows = append(rows, hub.DriverImport{Code: it.Code, VehicleType: it.VehicleType})
	}
	report, err := s.importer.ImportDrivers(ctx, rows)
	if err != nil {
		return report, fmt.Errorf("import drivers: %w", err)
	}
	if len(report.Invalid) > 0 {
		s.logger.Warn("manifest contains unreadable gaiola codes", zap.Strings("codes", report.Invalid))
	}
	if fetchErr != nil {
		s.logger.Warn("manifest imported partially", zap.Int("items", len(items)), zap.Error(fetchErr))
	}
	return report, nil
}

// fetchPage fetches a single page of the manifest.
func (s *Service) fetchPage(ctx context.Context, page int) (*ManifestResponse, error) {
	payload := make(map[string]any, len(s.cfg.Request.Payload)+2)
	for k, v := range s.cfg.Request.Payload {
		payload[k] = v
	}
	payload["page"] = page
	payload["pageSize"] = s.cfg.Request.PageSize

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Request.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Request.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var out ManifestResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest response: %w", err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("manifest returned non-zero application code: %d", out.Code)
	}
	return &out, nil
}
