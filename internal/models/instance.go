// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/domain"
	"github.com/autobrr/huntarr/internal/services/schedule"
)

var ErrInstanceNotFound = errors.New("instance not found")

type AppType string

const (
	AppSonarr     AppType = "sonarr"
	AppRadarr     AppType = "radarr"
	AppLidarr     AppType = "lidarr"
	AppReadarr    AppType = "readarr"
	AppWhisparr   AppType = "whisparr"
	AppWhisparrV3 AppType = "whisparrv3"
)

// AppTypes lists every supported app in display order.
var AppTypes = []AppType{AppSonarr, AppRadarr, AppLidarr, AppReadarr, AppWhisparr, AppWhisparrV3}

type BudgetScope string

const (
	// BudgetScopeSearch charges only search-triggering calls against the hourly cap.
	BudgetScopeSearch BudgetScope = "search"
	// BudgetScopeAll also charges discovery and queue calls.
	BudgetScopeAll BudgetScope = "all"
)

type SelectionOrder string

const (
	SelectionOldest  SelectionOrder = "oldest"
	SelectionNewest  SelectionOrder = "newest"
	SelectionShuffle SelectionOrder = "shuffle"
)

const (
	defaultMissingPerCycle  = 1
	defaultUpgradesPerCycle = 0
	defaultDedupWindow      = 24 * time.Hour
	defaultSleep            = 15 * time.Minute
	minSleep                = 10 * time.Second
	defaultStallThreshold   = 30 * time.Minute
	defaultStallPoll        = 5 * time.Minute
	minStallPoll            = 10 * time.Second
	defaultStrikeLimit      = 3
	maxPerCycle             = 1000
)

// Instance is a validated connection descriptor plus the per-instance engine settings.
type Instance struct {
	Key      string            `json:"key"`
	App      AppType           `json:"app" validate:"required,oneof=sonarr radarr lidarr readarr whisparr whisparrv3"`
	Name     string            `json:"name" validate:"required,max=64"`
	BaseURL  string            `json:"baseUrl" validate:"required,url"`
	APIKey   string            `json:"apiKey" validate:"required"`
	Enabled  bool              `json:"enabled"`
	Hunt     HuntSettings      `json:"hunt"`
	Stall    StallSettings     `json:"stall"`
	Schedule schedule.Schedule `json:"schedule" validate:"-"`
}

type HuntSettings struct {
	MissingPerCycle    int            `json:"missingPerCycle" validate:"gte=0,lte=1000"`
	UpgradesPerCycle   int            `json:"upgradesPerCycle" validate:"gte=0,lte=1000"`
	HourlyCap          int            `json:"hourlyCap" validate:"gte=0"`
	BudgetScope        BudgetScope    `json:"budgetScope" validate:"oneof=search all"`
	DedupWindow        time.Duration  `json:"dedupWindow" validate:"gte=0"`
	SelectionOrder     SelectionOrder `json:"selectionOrder" validate:"oneof=oldest newest shuffle"`
	MonitoredOnly      bool           `json:"monitoredOnly"`
	SkipFutureReleases bool           `json:"skipFutureReleases"`
	MaxQueueSize       int            `json:"maxQueueSize" validate:"gte=0"`
	CandidateFilter    string         `json:"candidateFilter,omitempty"`
	WaitForCommand     bool           `json:"waitForCommand"`
}

type StallSettings struct {
	Enabled          bool          `json:"enabled"`
	Threshold        time.Duration `json:"threshold"`
	PollInterval     time.Duration `json:"pollInterval"`
	StrikeLimit      int           `json:"strikeLimit" validate:"gte=1,lte=100"`
	RemoveFromClient bool          `json:"removeFromClient"`
	Blocklist        bool          `json:"blocklist"`
	Research         bool          `json:"research"`
}

// DefaultHuntSettings returns the settings applied to unset instance fields.
// HourlyCap stays 0 so an instance without a budget never hunts.
func DefaultHuntSettings() HuntSettings {
	return HuntSettings{
		MissingPerCycle:    defaultMissingPerCycle,
		UpgradesPerCycle:   defaultUpgradesPerCycle,
		HourlyCap:          0,
		BudgetScope:        BudgetScopeSearch,
		DedupWindow:        defaultDedupWindow,
		SelectionOrder:     SelectionOldest,
		MonitoredOnly:      true,
		SkipFutureReleases: true,
	}
}

// MaxDedupWindow is the longest dedup window among instances, never below the
// default. History younger than this must survive pruning.
func MaxDedupWindow(instances []*Instance) time.Duration {
	longest := defaultDedupWindow
	for _, inst := range instances {
		if inst != nil {
			longest = max(longest, inst.Hunt.DedupWindow)
		}
	}
	return longest
}

func DefaultStallSettings() StallSettings {
	return StallSettings{
		Enabled:          false,
		Threshold:        defaultStallThreshold,
		PollInterval:     defaultStallPoll,
		StrikeLimit:      defaultStrikeLimit,
		RemoveFromClient: true,
	}
}

// InstanceKey builds the registry key; names are unique per app, case-insensitively.
func InstanceKey(app AppType, name string) string {
	return string(app) + ":" + strings.ToLower(strings.TrimSpace(name))
}

func (i Instance) MarshalJSON() ([]byte, error) {
	type alias Instance
	clone := alias(i)
	clone.APIKey = domain.RedactString(i.APIKey)
	return json.Marshal(clone)
}

// Fingerprint changes whenever a field that affects a running worker changes.
func (i *Instance) Fingerprint() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%t|%+v|%+v|%+v|", i.App, i.Name, i.BaseURL, i.APIKey, i.Enabled, i.Hunt, i.Stall, i.Schedule.Windows)
	fmt.Fprintf(h, "%t|%s|", i.Schedule.Paused, i.Schedule.Sleep)
	if i.Schedule.Location != nil {
		h.WriteString(i.Schedule.Location.String())
	}
	return h.Sum64()
}

// ConfigError reports why an instance descriptor cannot participate in hunting.
type ConfigError struct {
	Instance string   `json:"instance"`
	Problems []string `json:"problems"`
}

func (e *ConfigError) Error() string {
	name := e.Instance
	if name == "" {
		name = "instance"
	}
	return fmt.Sprintf("%s: invalid configuration: %s", name, strings.Join(e.Problems, "; "))
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// NewInstance converts one [[instances]] block into a validated Instance.
func NewInstance(cfg domain.InstanceConfig) (*Instance, error) {
	app := AppType(strings.ToLower(strings.TrimSpace(cfg.App)))
	name := strings.TrimSpace(cfg.Name)

	inst := &Instance{
		Key:     InstanceKey(app, name),
		App:     app,
		Name:    name,
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Enabled: cfg.Enabled == nil || *cfg.Enabled,
		Hunt:    huntSettingsFromConfig(cfg),
		Stall:   stallSettingsFromConfig(cfg.Stall),
	}

	var problems []string

	if normalized, err := validateAndNormalizeHost(cfg.URL); err != nil {
		problems = append(problems, "url: "+err.Error())
	} else {
		inst.BaseURL = normalized
	}

	sched, err := scheduleFromConfig(cfg)
	if err != nil {
		problems = append(problems, err.Error())
	}
	inst.Schedule = sched

	if err := ValidateInstance(inst); err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			problems = append(problems, cfgErr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return nil, &ConfigError{Instance: inst.Key, Problems: problems}
	}
	return inst, nil
}

func huntSettingsFromConfig(cfg domain.InstanceConfig) HuntSettings {
	s := DefaultHuntSettings()
	if cfg.MissingPerCycle != nil {
		s.MissingPerCycle = *cfg.MissingPerCycle
	}
	if cfg.UpgradesPerCycle != nil {
		s.UpgradesPerCycle = *cfg.UpgradesPerCycle
	}
	s.HourlyCap = cfg.HourlyCap
	if cfg.BudgetScope != "" {
		s.BudgetScope = BudgetScope(strings.ToLower(strings.TrimSpace(cfg.BudgetScope)))
	}
	if cfg.DedupWindow > 0 {
		s.DedupWindow = cfg.DedupWindow
	}
	if cfg.SelectionOrder != "" {
		s.SelectionOrder = SelectionOrder(strings.ToLower(strings.TrimSpace(cfg.SelectionOrder)))
	}
	if cfg.MonitoredOnly != nil {
		s.MonitoredOnly = *cfg.MonitoredOnly
	}
	if cfg.SkipFutureReleases != nil {
		s.SkipFutureReleases = *cfg.SkipFutureReleases
	}
	s.MaxQueueSize = cfg.MaxQueueSize
	s.CandidateFilter = strings.TrimSpace(cfg.CandidateFilter)
	s.WaitForCommand = cfg.WaitForCommand
	return sanitizeHuntSettings(s)
}

func sanitizeHuntSettings(s HuntSettings) HuntSettings {
	if s.MissingPerCycle > maxPerCycle {
		log.Debug().Int("original", s.MissingPerCycle).Int("sanitized", maxPerCycle).Msg("hunt: missingPerCycle exceeded maximum, clamping")
		s.MissingPerCycle = maxPerCycle
	}
	if s.UpgradesPerCycle > maxPerCycle {
		log.Debug().Int("original", s.UpgradesPerCycle).Int("sanitized", maxPerCycle).Msg("hunt: upgradesPerCycle exceeded maximum, clamping")
		s.UpgradesPerCycle = maxPerCycle
	}
	return s
}

func stallSettingsFromConfig(cfg domain.StallConfig) StallSettings {
	s := DefaultStallSettings()
	s.Enabled = cfg.Enabled
	if cfg.Threshold > 0 {
		s.Threshold = cfg.Threshold
	}
	if cfg.PollInterval > 0 {
		s.PollInterval = max(cfg.PollInterval, minStallPoll)
	}
	if cfg.StrikeLimit != 0 {
		s.StrikeLimit = cfg.StrikeLimit
	}
	if cfg.RemoveFromClient != nil {
		s.RemoveFromClient = *cfg.RemoveFromClient
	}
	s.Blocklist = cfg.Blocklist
	s.Research = cfg.Research
	return s
}

func scheduleFromConfig(cfg domain.InstanceConfig) (schedule.Schedule, error) {
	s := schedule.Schedule{
		Paused:   cfg.Paused,
		Sleep:    defaultSleep,
		Location: time.Local,
	}
	if cfg.Sleep > 0 {
		s.Sleep = max(cfg.Sleep, minSleep)
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return s, fmt.Errorf("timezone: %w", err)
		}
		s.Location = loc
	}

	for i, wc := range cfg.Windows {
		w, err := schedule.ParseWindow(wc.Days, wc.Start, wc.End)
		if err != nil {
			return s, fmt.Errorf("windows[%d]: %w", i, err)
		}
		s.Windows = append(s.Windows, w)
	}
	return s, nil
}

func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

type instanceValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

var (
	validatorOnce sync.Once
	validatorSvc  *instanceValidator
)

func getValidator() *instanceValidator {
	validatorOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			if tag == "" || tag == "-" {
				return fld.Name
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		validatorSvc = &instanceValidator{validate: v, translator: trans}
	})
	return validatorSvc
}

// ValidateInstance checks field constraints and returns a *ConfigError with
// translated messages when any fail.
func ValidateInstance(inst *Instance) error {
	svc := getValidator()

	err := svc.validate.Struct(inst)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ConfigError{Instance: inst.Key, Problems: []string{err.Error()}}
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fe.Translate(svc.translator))
	}
	return &ConfigError{Instance: inst.Key, Problems: problems}
}
