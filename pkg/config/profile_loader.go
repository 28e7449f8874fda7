package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SigningProfile is a tenant-configurable signing policy profile.
type SigningProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Challenge  ChallengeConfig  `yaml:"challenge" json:"challenge"`
	Limits     LimitsConfig     `yaml:"limits" json:"limits"`
	Rules      []PolicyRule     `yaml:"rules,omitempty" json:"rules,omitempty"`
	Invitation InvitationConfig `yaml:"invitation" json:"invitation"`
}

// ChallengeConfig holds OTP challenge parameters.
type ChallengeConfig struct {
	Required    bool   `yaml:"required" json:"required"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	TTL         string `yaml:"ttl" json:"ttl"` // Go duration string
}

// LimitsConfig holds per-action rate budgets (requests per minute / burst).
type LimitsConfig struct {
	InviteRPM      int `yaml:"invite_rpm" json:"invite_rpm"`
	ReminderRPM    int `yaml:"reminder_rpm" json:"reminder_rpm"`
	OTPAttemptRPM  int `yaml:"otp_attempt_rpm" json:"otp_attempt_rpm"`
	SignAttemptRPM int `yaml:"sign_attempt_rpm" json:"sign_attempt_rpm"`
}

// PolicyRule is a named CEL expression evaluated before signing.
type PolicyRule struct {
	ID         string `yaml:"id" json:"id"`
	Expression string `yaml:"expression" json:"expression"`
}

// InvitationConfig holds invitation token parameters.
type InvitationConfig struct {
	TTL        string `yaml:"ttl" json:"ttl"`
	MaxResends int    `yaml:"max_resends" json:"max_resends"`
}

// LoadProfile loads a signing profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*SigningProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile SigningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*SigningProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*SigningProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile SigningProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
