// internal/recovery/scenarios.go
package recovery

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Step identifiers shared by scenario definitions and the executor registry.
const (
	StepEmergencyBackup          = "emergency-backup"
	StepRestoreNamespace         = "restore-namespace"
	StepRestoreClusterState      = "restore-cluster-state"
	StepRestorePersistentVolumes = "restore-persistent-volumes"
	StepRestoreApplications      = "restore-applications"
	StepProvisionInfrastructure  = "provision-infrastructure"
	StepUpdateDNS                = "update-dns"
	StepRestoreEmergencyBackup   = "restore-emergency-backup"
)

// KnownSteps returns every step identifier the executor can run.
func KnownSteps() []string {
	return []string{
		StepEmergencyBackup,
		StepRestoreNamespace,
		StepRestoreClusterState,
		StepRestorePersistentVolumes,
		StepRestoreApplications,
		StepProvisionInfrastructure,
		StepUpdateDNS,
		StepRestoreEmergencyBackup,
	}
}

// scenarioPriority is the fixed classification order: widest blast radius
// first, so a datacenter outage is never mistaken for a namespace problem.
var scenarioPriority = []Scenario{
	ScenarioDatacenterOutage,
	ScenarioClusterFailure,
	ScenarioNamespaceCorruption,
}

// DefaultDefinitions returns the built-in scenario definitions. Only
// NamespaceCorruption defines rollback: the emergency backup taken as its
// first step can undo a bad restore. The destructive scenarios have no safe
// automated undo and fail instead.
func DefaultDefinitions() []ScenarioDefinition {
	return []ScenarioDefinition{
		{
			Scenario:                   ScenarioDatacenterOutage,
			DetectionSignals:           []string{"region_connectivity_loss"},
			ManualInterventionTriggers: []string{"network_partition_suspected"},
			AutomatedSteps: []string{
				StepProvisionInfrastructure,
				StepRestoreClusterState,
				StepRestorePersistentVolumes,
				StepRestoreApplications,
				StepUpdateDNS,
			},
			RequiresConfirmation: true,
			Tier:                 TierCritical,
			ValidationWindow:     10 * time.Minute,
		},
		{
			Scenario:                   ScenarioClusterFailure,
			DetectionSignals:           []string{"api_server_unreachable"},
			ManualInterventionTriggers: []string{"intermittent_api_errors"},
			AutomatedSteps: []string{
				StepRestoreClusterState,
				StepRestorePersistentVolumes,
				StepRestoreApplications,
			},
			RequiresConfirmation: true,
			Tier:                 TierCritical,
			ValidationWindow:     5 * time.Minute,
		},
		{
			Scenario:                   ScenarioNamespaceCorruption,
			DetectionSignals:           []string{"health_check_failure"},
			ManualInterventionTriggers: []string{"data_integrity_unknown"},
			AutomatedSteps: []string{
				StepEmergencyBackup,
				StepRestoreNamespace,
			},
			RollbackSteps:        []string{StepRestoreEmergencyBackup},
			RequiresConfirmation: false,
			Tier:                 TierStandard,
			ValidationWindow:     2 * time.Minute,
		},
	}
}

// Validate checks a definition for internal consistency.
func (d *ScenarioDefinition) Validate() error {
	if !d.Scenario.Valid() {
		return fmt.Errorf("scenario: unknown variant %q", d.Scenario)
	}
	if len(d.DetectionSignals) == 0 {
		return fmt.Errorf("scenario %s: detection_signals required", d.Scenario)
	}
	if len(d.AutomatedSteps) == 0 {
		return fmt.Errorf("scenario %s: automated_steps required", d.Scenario)
	}
	known := make(map[string]bool)
	for _, s := range KnownSteps() {
		known[s] = true
	}
	seen := make(map[string]bool)
	for _, s := range d.AutomatedSteps {
		if !known[s] {
			return fmt.Errorf("scenario %s: unknown step %q", d.Scenario, s)
		}
		if seen[s] {
			return fmt.Errorf("scenario %s: duplicate step %q", d.Scenario, s)
		}
		seen[s] = true
	}
	seen = make(map[string]bool)
	for _, s := range d.RollbackSteps {
		if !known[s] {
			return fmt.Errorf("scenario %s: unknown rollback step %q", d.Scenario, s)
		}
		if seen[s] {
			return fmt.Errorf("scenario %s: duplicate rollback step %q", d.Scenario, s)
		}
		seen[s] = true
	}
	if !d.Tier.Valid() {
		return fmt.Errorf("scenario %s: invalid tier %q", d.Scenario, d.Tier)
	}
	if d.ValidationWindow <= 0 {
		return fmt.Errorf("scenario %s: validation_window must be positive", d.Scenario)
	}
	return nil
}

// ScenarioRegistry holds the active scenario definitions. Definitions start
// from the built-in defaults and may be replaced wholesale from a YAML file.
type ScenarioRegistry struct {
	mu     sync.RWMutex
	defs   map[Scenario]ScenarioDefinition
	logger *zap.Logger
}

// NewScenarioRegistry creates a registry seeded with the default definitions.
func NewScenarioRegistry(logger *zap.Logger) *ScenarioRegistry {
	r := &ScenarioRegistry{
		defs:   make(map[Scenario]ScenarioDefinition),
		logger: logger,
	}
	for _, d := range DefaultDefinitions() {
		r.defs[d.Scenario] = d
	}
	return r
}

// Get returns the definition for one scenario.
func (r *ScenarioRegistry) Get(s Scenario) (ScenarioDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[s]
	return d, ok
}

// All returns the active definitions in classification priority order.
func (r *ScenarioRegistry) All() []ScenarioDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ScenarioDefinition, 0, len(r.defs))
	for _, s := range scenarioPriority {
		if d, ok := r.defs[s]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Apply validates and installs definitions, keeping defaults for scenarios
// the input does not name.
func (r *ScenarioRegistry) Apply(defs []ScenarioDefinition) error {
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range defs {
		r.defs[d.Scenario] = d
	}
	return nil
}

// scenarioFileSchema constrains operator-authored scenario files before any
// field is interpreted.
const scenarioFileSchema = `{
	"type": "object",
	"required": ["scenarios"],
	"properties": {
		"scenarios": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["scenario", "detection_signals", "automated_steps", "tier"],
				"properties": {
					"scenario": {"type": "string", "enum": ["namespace_corruption", "cluster_failure", "datacenter_outage"]},
					"detection_signals": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"manual_intervention_triggers": {"type": "array", "items": {"type": "string"}},
					"automated_steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"rollback_steps": {"type": "array", "items": {"type": "string"}},
					"requires_confirmation": {"type": "boolean"},
					"tier": {"type": "string", "enum": ["critical", "standard", "non_critical"]},
					"validation_window": {"type": "string", "pattern": "^[0-9]+(ns|us|ms|s|m|h)$"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

type scenarioFileEntry struct {
	Scenario                   string   `yaml:"scenario"`
	DetectionSignals           []string `yaml:"detection_signals"`
	ManualInterventionTriggers []string `yaml:"manual_intervention_triggers"`
	AutomatedSteps             []string `yaml:"automated_steps"`
	RollbackSteps              []string `yaml:"rollback_steps"`
	RequiresConfirmation       bool     `yaml:"requires_confirmation"`
	Tier                       string   `yaml:"tier"`
	ValidationWindow           string   `yaml:"validation_window"`
}

type scenarioFile struct {
	Scenarios []scenarioFileEntry `yaml:"scenarios"`
}

// LoadFile reads scenario overrides from a YAML file, validates them against
// the schema, and applies them to the registry.
func (r *ScenarioRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scenario file: %w", err)
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("parse scenario file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(scenarioFileSchema),
		gojsonschema.NewGoLoader(generic),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid scenario file: %s", strings.Join(msgs, "; "))
	}

	var file scenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode scenario file: %w", err)
	}

	defaults := make(map[Scenario]ScenarioDefinition)
	for _, d := range DefaultDefinitions() {
		defaults[d.Scenario] = d
	}

	defs := make([]ScenarioDefinition, 0, len(file.Scenarios))
	for _, e := range file.Scenarios {
		def := ScenarioDefinition{
			Scenario:                   Scenario(e.Scenario),
			DetectionSignals:           e.DetectionSignals,
			ManualInterventionTriggers: e.ManualInterventionTriggers,
			AutomatedSteps:             e.AutomatedSteps,
			RollbackSteps:              e.RollbackSteps,
			RequiresConfirmation:       e.RequiresConfirmation,
			Tier:                       Tier(e.Tier),
		}
		if e.ValidationWindow != "" {
			w, err := time.ParseDuration(e.ValidationWindow)
			if err != nil {
				return fmt.Errorf("scenario %s: parse validation_window: %w", e.Scenario, err)
			}
			def.ValidationWindow = w
		} else if d, ok := defaults[def.Scenario]; ok {
			def.ValidationWindow = d.ValidationWindow
		}
		defs = append(defs, def)
	}

	if err := r.Apply(defs); err != nil {
		return err
	}

	r.logger.Info("scenario definitions loaded",
		zap.String("path", path),
		zap.Int("count", len(defs)))
	return nil
}
