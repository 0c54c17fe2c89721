package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	SensitivityLow      = "low"
	SensitivityStandard = "standard"
	SensitivityHigh     = "high"
)

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is the on-disk shape of one catalog entry.
type ProviderConfig struct {
	ID          string   `yaml:"id"`
	Enabled     *bool    `yaml:"enabled"`
	DisplayName string   `yaml:"display_name"`
	Icon        string   `yaml:"icon"`
	Color       string   `yaml:"color"`
	Categories  []string `yaml:"categories"`
	Sensitivity string   `yaml:"sensitivity"`
	AuthURL     string   `yaml:"auth_url"`
	TokenURL    string   `yaml:"token_url"`
	Scopes      []string `yaml:"scopes"`
}

// ProviderInfo describes one connectable platform.
type ProviderInfo struct {
	ID          string   `json:"id"`
	Enabled     bool     `json:"enabled"`
	DisplayName string   `json:"display_name"`
	Icon        string   `json:"icon"`
	Color       string   `json:"color"`
	Categories  []string `json:"categories"`
	Sensitivity string   `json:"sensitivity"`
	// AuthURL/TokenURL are set only for providers that support direct-mode
	// consent URL construction; the backend-delivered URL always wins.
	AuthURL     string   `json:"auth_url,omitempty"`
	TokenURL    string   `json:"token_url,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	ClientIDEnv string   `json:"client_id_env,omitempty"`
}

var (
	stateMu      sync.RWMutex
	initialized  bool
	providerByID map[string]ProviderInfo
	providerList []string
)

// InitFromEnvAndConfig initializes the catalog by loading the config file
// and applying env overrides.
func InitFromEnvAndConfig() error {
	providers, err := loadProviders()

	stateMu.Lock()
	defer stateMu.Unlock()

	providerByID = make(map[string]ProviderInfo)
	providerList = providerList[:0]
	for _, p := range providers {
		providerByID[p.ID] = p
		providerList = append(providerList, p.ID)
	}
	initialized = true
	return err
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if ok {
		return
	}
	_ = InitFromEnvAndConfig()
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	providerByID = nil
	providerList = nil
}

// GetProviders returns all configured providers sorted by ID.
func GetProviders() []ProviderInfo {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	result := make([]ProviderInfo, 0, len(providerList))
	for _, id := range providerList {
		entry, ok := providerByID[id]
		if !ok {
			continue
		}
		result = append(result, copyInfo(entry))
	}
	return result
}

// GetProvider returns provider metadata by ID.
func GetProvider(id string) (ProviderInfo, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	entry, ok := providerByID[NormalizeID(id)]
	if !ok {
		return ProviderInfo{}, false
	}
	return copyInfo(entry), true
}

// IsKnownProvider returns whether a provider is declared and enabled.
func IsKnownProvider(id string) bool {
	provider, ok := GetProvider(id)
	return ok && provider.Enabled
}

// ProviderIDsByCategory returns enabled provider IDs declaring a data category.
func ProviderIDsByCategory(category string) []string {
	category = strings.TrimSpace(strings.ToLower(category))
	if category == "" {
		return nil
	}

	providers := GetProviders()
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		for _, c := range p.Categories {
			if strings.EqualFold(strings.TrimSpace(c), category) {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	return ids
}

// SupportsDirectMode returns whether the provider declares OAuth endpoints
// for locally constructed consent URLs.
func SupportsDirectMode(id string) bool {
	provider, ok := GetProvider(id)
	return ok && provider.Enabled && provider.AuthURL != "" && provider.TokenURL != ""
}

// NormalizeID lowercases and trims a provider identifier.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func copyInfo(info ProviderInfo) ProviderInfo {
	info.Categories = append([]string(nil), info.Categories...)
	info.Scopes = append([]string(nil), info.Scopes...)
	return info
}

func loadProviders() ([]ProviderInfo, error) {
	cfgProviders, loadErr := loadConfigProviders()
	if len(cfgProviders) == 0 {
		cfgProviders = defaultProviders()
	}

	providers := make([]ProviderInfo, 0, len(cfgProviders))
	for _, cfg := range cfgProviders {
		info, ok := normalizeConfig(cfg)
		if !ok {
			continue
		}
		providers = append(providers, info)
	}

	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].ID < providers[j].ID
	})

	return providers, loadErr
}

func loadConfigProviders() ([]ProviderConfig, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %q: %w", path, err)
	}

	return cfg.Providers, nil
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("TWINHUB_PROVIDERS_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/providers.yaml",
		"./config/providers.yaml",
		"/etc/twinhub/providers.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "twinhub", "providers.yaml"),
			filepath.Join(homeDir, ".twinhub", "providers.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalizeConfig(cfg ProviderConfig) (ProviderInfo, bool) {
	id := NormalizeID(cfg.ID)
	if !providerIDRegexp.MatchString(id) {
		return ProviderInfo{}, false
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	displayName := strings.TrimSpace(cfg.DisplayName)
	if displayName == "" {
		displayName = id
	}

	sensitivity := strings.TrimSpace(strings.ToLower(cfg.Sensitivity))
	switch sensitivity {
	case SensitivityLow, SensitivityStandard, SensitivityHigh:
	default:
		sensitivity = SensitivityStandard
	}

	authURL := strings.TrimSpace(cfg.AuthURL)
	if v := strings.TrimSpace(os.Getenv(providerEnvName(id, "AUTH_URL"))); v != "" {
		authURL = v
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if v := strings.TrimSpace(os.Getenv(providerEnvName(id, "TOKEN_URL"))); v != "" {
		tokenURL = v
	}

	info := ProviderInfo{
		ID:          id,
		Enabled:     enabled,
		DisplayName: displayName,
		Icon:        strings.TrimSpace(cfg.Icon),
		Color:       strings.TrimSpace(cfg.Color),
		Categories:  normalizeCategories(cfg.Categories),
		Sensitivity: sensitivity,
		AuthURL:     authURL,
		TokenURL:    tokenURL,
		Scopes:      append([]string(nil), cfg.Scopes...),
		ClientIDEnv: providerEnvName(id, "CLIENT_ID"),
	}

	return info, true
}

func normalizeCategories(categories []string) []string {
	if len(categories) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(categories))
	result := make([]string, 0, len(categories))
	for _, c := range categories {
		normalized := strings.TrimSpace(strings.ToLower(c))
		if normalized == "" {
			continue
		}
		if _, exists := set[normalized]; exists {
			continue
		}
		set[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("TWINHUB_%s_%s", upper, suffix)
}

func defaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			ID:          "google_gmail",
			Enabled:     boolPtr(true),
			DisplayName: "Gmail",
			Icon:        "mail",
			Color:       "#EA4335",
			Categories:  []string{"communication", "email"},
			Sensitivity: SensitivityHigh,
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			Scopes:      []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		{
			ID:          "google_calendar",
			Enabled:     boolPtr(true),
			DisplayName: "Google Calendar",
			Icon:        "calendar",
			Color:       "#4285F4",
			Categories:  []string{"schedule", "productivity"},
			Sensitivity: SensitivityStandard,
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			Scopes:      []string{"https://www.googleapis.com/auth/calendar.readonly"},
		},
		{
			ID:          "spotify",
			Enabled:     boolPtr(true),
			DisplayName: "Spotify",
			Icon:        "music",
			Color:       "#1DB954",
			Categories:  []string{"entertainment", "music"},
			Sensitivity: SensitivityLow,
			AuthURL:     "https://accounts.spotify.com/authorize",
			TokenURL:    "https://accounts.spotify.com/api/token",
			Scopes:      []string{"user-read-recently-played", "user-top-read"},
		},
		{
			ID:          "slack",
			Enabled:     boolPtr(true),
			DisplayName: "Slack",
			Icon:        "message-square",
			Color:       "#4A154B",
			Categories:  []string{"communication", "work"},
			Sensitivity: SensitivityHigh,
		},
		{
			ID:          "whoop",
			Enabled:     boolPtr(true),
			DisplayName: "WHOOP",
			Icon:        "activity",
			Color:       "#00F19F",
			Categories:  []string{"health", "fitness"},
			Sensitivity: SensitivityHigh,
		},
		{
			ID:          "discord",
			Enabled:     boolPtr(true),
			DisplayName: "Discord",
			Icon:        "message-circle",
			Color:       "#5865F2",
			Categories:  []string{"communication", "entertainment"},
			Sensitivity: SensitivityStandard,
		},
		{
			ID:          "github",
			Enabled:     boolPtr(true),
			DisplayName: "GitHub",
			Icon:        "github",
			Color:       "#181717",
			Categories:  []string{"work", "code"},
			Sensitivity: SensitivityLow,
			AuthURL:     "https://github.com/login/oauth/authorize",
			TokenURL:    "https://github.com/login/oauth/access_token",
			Scopes:      []string{"read:user", "repo"},
		},
	}
}

func boolPtr(v bool) *bool {
	return &v
}
