// Package config loads and validates the engine's full configuration
// surface with spf13/viper: a YAML file and environment overrides
// (TAPEREADER_ prefix) over built-in defaults, unmarshalled via mapstructure
// tags. No CLI flags are bound into it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marketflow/tapereader/internal/errkind"
)

// Config is the single configuration object surfaced to every component.
// Field names mirror the YAML option names exposed at the process
// boundary.
type Config struct {
	Instruments []string `mapstructure:"instruments"`

	Cache struct {
		BufferSize int `mapstructure:"buffer_size"`
	} `mapstructure:"cache"`

	UpdateInterval          time.Duration `mapstructure:"update_interval"`
	MaintenanceIntervalLoop int           `mapstructure:"maintenance_interval_loops"`
	MinBackoffSeconds       float64       `mapstructure:"min_backoff_seconds"`
	MaxBackoffSeconds       float64       `mapstructure:"max_backoff_seconds"`
	MaxConsecutiveErrors    int           `mapstructure:"max_consecutive_errors"`
	DailyResetTime          string        `mapstructure:"daily_reset_time"`

	CVDHistorySize int `mapstructure:"cvd_history_size"`
	CVDRoCPeriod   int `mapstructure:"cvd_roc_period"`

	PaceBaselineSamples int     `mapstructure:"pace_baseline_samples"`
	PaceAnomalyStdev    float64 `mapstructure:"pace_anomaly_stdev"`
	PaceWindowSeconds   int     `mapstructure:"pace_window_seconds"`

	ConcentrationThreshold float64 `mapstructure:"concentration_threshold"`
	AbsorptionThreshold    int64   `mapstructure:"absorption_threshold"`
	ExhaustionVolume       int64   `mapstructure:"exhaustion_volume"`

	IcebergRepetitions int   `mapstructure:"iceberg_repetitions"`
	IcebergMinVolume   int64 `mapstructure:"iceberg_min_volume"`

	DivergenceThreshold float64 `mapstructure:"divergence_threshold"`
	ExtremeThreshold    float64 `mapstructure:"extreme_threshold"`

	PressureThreshold float64 `mapstructure:"pressure_threshold"`
	PressureMinVolume int64   `mapstructure:"pressure_min_volume"`

	SpikeMultiplier   float64 `mapstructure:"spike_multiplier"`
	SpikeHistorySize  int     `mapstructure:"spike_history_size"`

	BookDynamics struct {
		PullingThreshold        float64 `mapstructure:"pulling_threshold"`
		StackingThreshold       float64 `mapstructure:"stacking_threshold"`
		FlashOrderSeconds       float64 `mapstructure:"flash_order_seconds"`
		ImbalanceShiftThreshold float64 `mapstructure:"imbalance_shift_threshold"`
		SnapshotHistory         int     `mapstructure:"snapshot_history"`
	} `mapstructure:"book_dynamics"`

	Institutional struct {
		MinTrades       int     `mapstructure:"min_trades"`
		ScoreThreshold  float64 `mapstructure:"score_threshold"`
		SizeBandMin     int64   `mapstructure:"size_band_min"`
		SizeBandMax     int64   `mapstructure:"size_band_max"`
	} `mapstructure:"institutional"`

	HiddenLiquidity struct {
		MinExcessRatio       float64 `mapstructure:"min_excess_ratio"`
		ReloadTimeSeconds    float64 `mapstructure:"reload_time"`
		PersistentMinTrades  int     `mapstructure:"persistent_min_trades"`
		PersistentWindowSecs float64 `mapstructure:"persistent_window_seconds"`
	} `mapstructure:"hidden_liquidity"`

	Multiframe struct {
		MicroSeconds  int `mapstructure:"micro_seconds"`
		ShortSeconds  int `mapstructure:"short_seconds"`
		MediumSeconds int `mapstructure:"medium_seconds"`
		LongSeconds   int `mapstructure:"long_seconds"`
	} `mapstructure:"multiframe"`

	TrapDetection struct {
		BreakoutPct       float64 `mapstructure:"breakout_pct"`
		RetracePct        float64 `mapstructure:"retrace_pct"`
		StopClusterPct    float64 `mapstructure:"stop_cluster_pct"`
		ImbalanceRatio    float64 `mapstructure:"imbalance_ratio"`
		SqueezeRangeRatio float64 `mapstructure:"squeeze_range_ratio"`
	} `mapstructure:"trap_detection"`

	PatternCooldown struct {
		Default int            `mapstructure:"default"`
		Pattern map[string]int `mapstructure:"pattern"`
	} `mapstructure:"pattern_cooldown"`

	SignalQualityThreshold float64            `mapstructure:"signal_quality_threshold"`
	QualityWeights         map[string]float64 `mapstructure:"quality_weights"`

	ManipulationDetection struct {
		Layering struct {
			Enabled              bool    `mapstructure:"enabled"`
			MinLevels            int     `mapstructure:"min_levels"`
			MinVolumePerLevel    int64   `mapstructure:"min_volume_per_level"`
			UniformityThreshold  float64 `mapstructure:"uniformity_threshold"`
		} `mapstructure:"layering"`
		Spoofing struct {
			Enabled         bool    `mapstructure:"enabled"`
			LevelsToCheck   int     `mapstructure:"levels_to_check"`
			ImbalanceRatio  float64 `mapstructure:"imbalance_ratio"`
		} `mapstructure:"spoofing"`
		Confidence struct {
			LayeringPenalty float64 `mapstructure:"layering_penalty"`
			SpoofingPenalty float64 `mapstructure:"spoofing_penalty"`
		} `mapstructure:"confidence"`
	} `mapstructure:"manipulation_detection"`

	PatternConfirmation struct {
		Enabled        bool            `mapstructure:"enabled"`
		MaxPending     int             `mapstructure:"max_pending"`
		DefaultTimeout time.Duration   `mapstructure:"default_timeout"`
		CheckInterval  time.Duration   `mapstructure:"check_interval"`
		Patterns       map[string]bool `mapstructure:"patterns"`

		Absorption struct {
			MinTests      int     `mapstructure:"min_tests"`
			TestThreshold float64 `mapstructure:"test_threshold"`
			PriceBandTicks float64 `mapstructure:"price_band_ticks"`
		} `mapstructure:"absorption"`

		Divergence struct {
			ConfirmationBars int     `mapstructure:"confirmation_bars"`
			PriceTolerance   float64 `mapstructure:"price_tolerance"`
		} `mapstructure:"divergence"`

		ExtremeMomentum struct {
			MinContinuationCVD float64 `mapstructure:"min_continuation_cvd"`
			Window              int    `mapstructure:"window"`
		} `mapstructure:"extreme_momentum"`

		InstitutionalFootprint struct {
			VolumeThreshold float64 `mapstructure:"volume_threshold"`
			MinPersistence  time.Duration `mapstructure:"min_persistence"`
		} `mapstructure:"institutional_footprint"`

		HiddenLiquidity struct {
			ReloadConfirmations int `mapstructure:"reload_confirmations"`
		} `mapstructure:"hidden_liquidity"`
	} `mapstructure:"pattern_confirmation"`

	CalculatedMarket struct {
		CupomCambial          float64            `mapstructure:"cupom_cambial"`
		VolatilidadeUnidade   float64            `mapstructure:"volatilidade_unidade"`
		ToleranciaProximidade float64            `mapstructure:"tolerancia_proximidade"`
		Multiplicadores       map[string]float64 `mapstructure:"multiplicadores"`
		JanelasPTAX           []PTAXWindow       `mapstructure:"janelas_ptax"`
		ExtremeForceThreshold int                `mapstructure:"extreme_force_threshold"`
		MinimumForce          int                `mapstructure:"minimum_force"`
		MinimumConfidence     float64            `mapstructure:"minimum_confidence"`
	} `mapstructure:"calculated_market"`

	RiskManagement struct {
		MaxSignalsPerMinute    int           `mapstructure:"max_signals_per_minute"`
		MaxSignalsPerHour      int           `mapstructure:"max_signals_per_hour"`
		MaxConfluencePerHour   int           `mapstructure:"max_confluence_per_hour"`
		ConcurrentSignals      int           `mapstructure:"concurrent_signals"`
		SignalTimeout          time.Duration `mapstructure:"signal_timeout"`
		SignalQualityThreshold float64       `mapstructure:"signal_quality_threshold"`
		ConsecutiveLossesLimit int           `mapstructure:"consecutive_losses_limit"`
		MaxDrawdownPercent     float64       `mapstructure:"max_drawdown_percent"`
		EmergencyStopLoss      float64       `mapstructure:"emergency_stop_loss"`
		CircuitBreakerCooldown time.Duration `mapstructure:"circuit_breaker_cooldown"`
	} `mapstructure:"risk_management"`

	Persistence struct {
		Directory     string        `mapstructure:"directory"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
	} `mapstructure:"persistence"`

	Display struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"display"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// PTAXWindow is one of the four daily reference-rate fixing windows during
// which confluence signal confidence receives a bonus.
type PTAXWindow struct {
	StartHour, StartMinute int `mapstructure:"start"`
	EndHour, EndMinute     int `mapstructure:"end"`
}

// DefaultConfig returns a fully populated Config with every operational
// default the engine ships with out of the box.
func DefaultConfig() *Config {
	c := &Config{Instruments: []string{"X", "Y"}}

	c.Cache.BufferSize = 10000
	c.UpdateInterval = 100 * time.Millisecond
	c.MaintenanceIntervalLoop = 600
	c.MinBackoffSeconds = 1
	c.MaxBackoffSeconds = 4
	c.MaxConsecutiveErrors = 5
	c.DailyResetTime = "00:00"

	c.CVDHistorySize = 10000
	c.CVDRoCPeriod = 15

	c.PaceBaselineSamples = 10
	c.PaceAnomalyStdev = 2.0
	c.PaceWindowSeconds = 10

	c.ConcentrationThreshold = 0.40
	c.AbsorptionThreshold = 282
	c.ExhaustionVolume = 314

	c.IcebergRepetitions = 4
	c.IcebergMinVolume = 59

	c.DivergenceThreshold = 100
	c.ExtremeThreshold = 250

	c.PressureThreshold = 0.75
	c.PressureMinVolume = 100

	c.SpikeMultiplier = 3.0
	c.SpikeHistorySize = 50

	c.BookDynamics.PullingThreshold = 0.5
	c.BookDynamics.StackingThreshold = 2.0
	c.BookDynamics.FlashOrderSeconds = 2.0
	c.BookDynamics.ImbalanceShiftThreshold = 0.3
	c.BookDynamics.SnapshotHistory = 20

	c.Institutional.MinTrades = 50
	c.Institutional.ScoreThreshold = 0.6
	c.Institutional.SizeBandMin = 50
	c.Institutional.SizeBandMax = 1000

	c.HiddenLiquidity.MinExcessRatio = 1.5
	c.HiddenLiquidity.ReloadTimeSeconds = 2.0
	c.HiddenLiquidity.PersistentMinTrades = 5
	c.HiddenLiquidity.PersistentWindowSecs = 60.0

	c.Multiframe.MicroSeconds = 60
	c.Multiframe.ShortSeconds = 300
	c.Multiframe.MediumSeconds = 900
	c.Multiframe.LongSeconds = 1800

	c.TrapDetection.BreakoutPct = 0.2
	c.TrapDetection.RetracePct = 70.0
	c.TrapDetection.StopClusterPct = 0.3
	c.TrapDetection.ImbalanceRatio = 3.0
	c.TrapDetection.SqueezeRangeRatio = 0.3

	c.PatternCooldown.Default = 30
	c.PatternCooldown.Pattern = map[string]int{
		string("PRESSAO_COMPRA"):       15,
		string("PRESSAO_VENDA"):        15,
		string("ESCORA_DETECTADA"):     30,
		string("ICEBERG_BUY"):          20,
		string("ICEBERG_SELL"):         20,
		string("VOLUME_SPIKE"):         10,
		string("PACE_ANOMALY"):         5,
		string("MOMENTUM_EXTREMO"):     25,
		string("DIVERGENCIA_ALTA"):     25,
		string("DIVERGENCIA_BAIXA"):    25,
		string("HIDDEN_LIQUIDITY"):     60,
		string("INSTITUTIONAL_FOOTPRINT"): 45,
	}

	c.SignalQualityThreshold = 0.35
	c.QualityWeights = map[string]float64{
		"PRESSAO_COMPRA": 2.0, "PRESSAO_VENDA": 2.0,
		"ESCORA_DETECTADA": 3.0, "ICEBERG": 2.0,
		"DIVERGENCIA_ALTA": 2.5, "DIVERGENCIA_BAIXA": 2.5,
		"MOMENTUM_EXTREMO": 2.5, "VOLUME_SPIKE": 1.5, "PACE_ANOMALY": 1.0,
	}

	c.ManipulationDetection.Layering.Enabled = true
	c.ManipulationDetection.Layering.MinLevels = 4
	c.ManipulationDetection.Layering.MinVolumePerLevel = 50
	c.ManipulationDetection.Layering.UniformityThreshold = 0.10
	c.ManipulationDetection.Spoofing.Enabled = true
	c.ManipulationDetection.Spoofing.LevelsToCheck = 5
	c.ManipulationDetection.Spoofing.ImbalanceRatio = 5.0
	c.ManipulationDetection.Confidence.LayeringPenalty = 0.4
	c.ManipulationDetection.Confidence.SpoofingPenalty = 0.3

	c.PatternConfirmation.Enabled = true
	c.PatternConfirmation.MaxPending = 200
	c.PatternConfirmation.DefaultTimeout = 30 * time.Second
	c.PatternConfirmation.CheckInterval = 1 * time.Second
	c.PatternConfirmation.Patterns = map[string]bool{
		"ESCORA_DETECTADA":       true,
		"DIVERGENCIA_ALTA":       true,
		"DIVERGENCIA_BAIXA":      true,
		"MOMENTUM_EXTREMO":       true,
		"INSTITUTIONAL_FOOTPRINT": true,
		"HIDDEN_LIQUIDITY":       true,
	}
	c.PatternConfirmation.Absorption.MinTests = 2
	c.PatternConfirmation.Absorption.TestThreshold = 0.7
	c.PatternConfirmation.Absorption.PriceBandTicks = 0.5
	c.PatternConfirmation.Divergence.ConfirmationBars = 3
	c.PatternConfirmation.Divergence.PriceTolerance = 0.001
	c.PatternConfirmation.ExtremeMomentum.MinContinuationCVD = 50
	c.PatternConfirmation.ExtremeMomentum.Window = 50
	c.PatternConfirmation.InstitutionalFootprint.VolumeThreshold = 0.3
	c.PatternConfirmation.InstitutionalFootprint.MinPersistence = 30 * time.Second
	c.PatternConfirmation.HiddenLiquidity.ReloadConfirmations = 2

	c.CalculatedMarket.CupomCambial = 0
	c.CalculatedMarket.VolatilidadeUnidade = 10
	c.CalculatedMarket.ToleranciaProximidade = 3.0
	c.CalculatedMarket.Multiplicadores = map[string]float64{
		"SOFRER_2X": 1.60, "SOFRER": 1.25, "SX_SUP": 0.80, "DEFENDO": 0.45,
		"BASE": 0.00, "PB": -0.45, "SX": -0.80, "DEVENDO": -1.25, "SOFGRE": -1.60,
	}
	c.CalculatedMarket.JanelasPTAX = []PTAXWindow{
		{StartHour: 10, StartMinute: 0, EndHour: 10, EndMinute: 10},
		{StartHour: 11, StartMinute: 0, EndHour: 11, EndMinute: 10},
		{StartHour: 12, StartMinute: 0, EndHour: 12, EndMinute: 10},
		{StartHour: 13, StartMinute: 0, EndHour: 13, EndMinute: 10},
	}
	c.CalculatedMarket.ExtremeForceThreshold = 9
	c.CalculatedMarket.MinimumForce = 7
	c.CalculatedMarket.MinimumConfidence = 0.65

	c.RiskManagement.MaxSignalsPerMinute = 10
	c.RiskManagement.MaxSignalsPerHour = 100
	c.RiskManagement.MaxConfluencePerHour = 20
	c.RiskManagement.ConcurrentSignals = 5
	c.RiskManagement.SignalTimeout = 60 * time.Second
	c.RiskManagement.SignalQualityThreshold = 0.35
	c.RiskManagement.ConsecutiveLossesLimit = 5
	c.RiskManagement.MaxDrawdownPercent = 2.0
	c.RiskManagement.EmergencyStopLoss = -1000
	c.RiskManagement.CircuitBreakerCooldown = 300 * time.Second

	c.Persistence.Directory = "./data/logs"
	c.Persistence.FlushInterval = 5 * time.Second

	c.Display.Addr = ":8090"
	c.Metrics.Addr = ":9090"

	return c
}

// Load builds a viper instance seeded with DefaultConfig, then layers a YAML
// file (if present) and TAPEREADER_-prefixed environment variables on top,
// mirroring the precedence order the rest of the ecosystem uses for viper:
// flags > env > file > defaults (no flags are bound here; cmd/tapereader
// binds the single CLI positional argument directly).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("TAPEREADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	if err := v.MergeConfigMap(structToMap(defaults)); err != nil {
		return nil, fmt.Errorf("seed config defaults: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// structToMap round-trips defaults through viper's own Set to seed a base
// layer beneath the optional file/env layers, so a partial config.yaml only
// overrides the keys it mentions.
func structToMap(cfg *Config) map[string]interface{} {
	v := viper.New()
	v.Set("instruments", cfg.Instruments)
	v.Set("update_interval", cfg.UpdateInterval)
	// The bulk of the default surface already lives in cfg itself; viper's
	// Unmarshal will happily leave untouched fields at their Go zero value
	// when a key is absent from both file and env, so Load starts from a
	// fully-populated *Config rather than relying on this map for every
	// nested leaf. This keeps the merge simple while still giving
	// AutomaticEnv something to bind top-level keys against.
	return v.AllSettings()
}

// Validate rejects a Config that would make the loop unable to start,
// returning a ConfigurationErr the coordinator's startup path can detect.
func (c *Config) Validate() error {
	if len(c.Instruments) != 2 {
		return errkind.Wrap(errkind.ConfigurationErr, "exactly two instruments must be configured, got %d", len(c.Instruments))
	}
	if c.Cache.BufferSize <= 0 {
		return errkind.Wrap(errkind.ConfigurationErr, "cache.buffer_size must be positive")
	}
	if c.UpdateInterval <= 0 {
		return errkind.Wrap(errkind.ConfigurationErr, "update_interval must be positive")
	}
	if c.MaxConsecutiveErrors <= 0 {
		return errkind.Wrap(errkind.ConfigurationErr, "max_consecutive_errors must be positive")
	}
	return nil
}
