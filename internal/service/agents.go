package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/web-casa/stackpilot/internal/agent"
	"github.com/web-casa/stackpilot/internal/auth"
	"github.com/web-casa/stackpilot/internal/model"
	"gorm.io/gorm"
)

var ErrInvalidAgent = errors.New("invalid agent url")

// AgentInfo is the public view of a registered agent.
type AgentInfo struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	Username string `json:"username"`
}

// AgentService persists remote agents and resolves them for the router.
// Agent passwords are stored encrypted.
type AgentService struct {
	db     *gorm.DB
	box    *auth.SecretBox
	logger *slog.Logger
}

// NewAgentService creates an AgentService.
func NewAgentService(db *gorm.DB, box *auth.SecretBox, logger *slog.Logger) *AgentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentService{db: db, box: box, logger: logger.With("module", "agents")}
}

// EndpointOf derives an agent's id (host[:port]) from its URL.
func EndpointOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("%w: scheme must be http(s) or ws(s)", ErrInvalidAgent)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidAgent)
	}
	return u.Host, nil
}

// Add registers an agent, replacing credentials of an existing one with the
// same endpoint.
func (s *AgentService) Add(ctx context.Context, rawURL, username, password string) (AgentInfo, error) {
	endpoint, err := EndpointOf(rawURL)
	if err != nil {
		return AgentInfo{}, err
	}
	if endpoint == agent.Local {
		return AgentInfo{}, fmt.Errorf("%w: %q is reserved", ErrInvalidAgent, endpoint)
	}
	sealed, err := s.box.Seal(password)
	if err != nil {
		return AgentInfo{}, fmt.Errorf("encrypt agent password: %w", err)
	}

	row := model.Agent{Endpoint: endpoint}
	err = s.db.WithContext(ctx).Where("endpoint = ?", endpoint).
		Assign(map[string]any{"url": strings.TrimRight(rawURL, "/"), "username": username, "password": sealed}).
		FirstOrCreate(&row).Error
	if err != nil {
		return AgentInfo{}, err
	}
	s.logger.Info("agent added", "endpoint", endpoint)
	return AgentInfo{Endpoint: row.Endpoint, URL: row.URL, Username: row.Username}, nil
}

// Remove deletes an agent.
func (s *AgentService) Remove(ctx context.Context, endpoint string) error {
	res := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).Delete(&model.Agent{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", agent.ErrUnknownAgent, endpoint)
	}
	s.logger.Info("agent removed", "endpoint", endpoint)
	return nil
}

// List returns every agent ordered by endpoint.
func (s *AgentService) List(ctx context.Context) ([]AgentInfo, error) {
	var rows []model.Agent
	if err := s.db.WithContext(ctx).Order("endpoint").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]AgentInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, AgentInfo{Endpoint: row.Endpoint, URL: row.URL, Username: row.Username})
	}
	return out, nil
}

// Resolve implements agent.Resolver.
func (s *AgentService) Resolve(ctx context.Context, endpoint string) (agent.Target, error) {
	var row model.Agent
	err := s.db.WithContext(ctx).Where("endpoint = ?", endpoint).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return agent.Target{}, fmt.Errorf("%w: %s", agent.ErrUnknownAgent, endpoint)
	}
	if err != nil {
		return agent.Target{}, err
	}
	password, err := s.box.Open(row.Password)
	if err != nil {
		return agent.Target{}, fmt.Errorf("decrypt agent password: %w", err)
	}
	return agent.Target{
		Endpoint: row.Endpoint,
		URL:      row.URL,
		Username: row.Username,
		Password: password,
	}, nil
}
