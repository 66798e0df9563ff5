package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stitchfield/orders-api/internal/domain"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultCancelWindow        = 72 * time.Hour
	defaultGuestRetention      = 90 * 24 * time.Hour
	defaultProgressionInterval = time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour

	defaultStandardProcessing = 4 * time.Hour
	defaultStandardShipping   = 48 * time.Hour
	defaultStandardDelivery   = 120 * time.Hour
	defaultExpressProcessing  = 2 * time.Hour
	defaultExpressShipping    = 24 * time.Hour
	defaultExpressDelivery    = 48 * time.Hour
	defaultFreeProcessing     = 8 * time.Hour
	defaultFreeShipping       = 72 * time.Hour
	defaultFreeDelivery       = 168 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Auth        AuthConfig
	Payments    PaymentsConfig
	Orders      OrdersConfig
	Progression ProgressionConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic order events are published to. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// AuthConfig groups authentication secrets.
type AuthConfig struct {
	SessionSigningKey string
	InternalToken     string
}

// PaymentsConfig collects payment provider secrets.
type PaymentsConfig struct {
	StripeAPIKey string
}

// OrdersConfig controls order lifecycle policy.
type OrdersConfig struct {
	CancelWindow   time.Duration
	GuestRetention time.Duration
}

// ProgressionConfig drives the automatic order progression worker.
type ProgressionConfig struct {
	Interval   time.Duration
	Thresholds map[domain.ShippingMethod]StageThresholds
}

// StageThresholds lists the dwell times, measured from the last status
// change, after which an order advances to its next state.
type StageThresholds struct {
	Processing time.Duration
	Shipping   time.Duration
	Delivery   time.Duration
}

// ForState returns the dwell threshold that applies to the given state,
// or false when the state never progresses automatically.
func (t StageThresholds) ForState(state domain.OrderState) (time.Duration, bool) {
	switch state {
	case domain.StatePending:
		return t.Processing, true
	case domain.StateProcessing:
		return t.Shipping, true
	case domain.StateShipped:
		return t.Delivery, true
	default:
		return 0, false
	}
}

// IdempotencyConfig controls replay protection for mutating endpoints.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// Option customises configuration loading.
type Option func(*loaderOptions)

// WithEnvFile overrides the .env file path consulted during loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables process environment lookups, useful in tests.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// Load assembles the application configuration by combining defaults,
// .env overrides, and environment variables.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "ORDERS_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "ORDERS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "ORDERS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "ORDERS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "ORDERS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "ORDERS_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "ORDERS_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "ORDERS_PUBSUB_TOPIC", ""),
		},
		Auth: AuthConfig{
			SessionSigningKey: stringWithDefault(lookup, "ORDERS_AUTH_SESSION_SIGNING_KEY", ""),
			InternalToken:     stringWithDefault(lookup, "ORDERS_AUTH_INTERNAL_TOKEN", ""),
		},
		Payments: PaymentsConfig{
			StripeAPIKey: stringWithDefault(lookup, "ORDERS_PAYMENTS_STRIPE_API_KEY", ""),
		},
		Orders: OrdersConfig{
			CancelWindow:   durationWithDefault(lookup, "ORDERS_CANCEL_WINDOW", defaultCancelWindow),
			GuestRetention: durationWithDefault(lookup, "ORDERS_GUEST_RETENTION", defaultGuestRetention),
		},
		Progression: ProgressionConfig{
			Interval: durationWithDefault(lookup, "ORDERS_PROGRESSION_INTERVAL", defaultProgressionInterval),
			Thresholds: map[domain.ShippingMethod]StageThresholds{
				domain.ShippingStandard: {
					Processing: durationWithDefault(lookup, "ORDERS_PROGRESSION_STANDARD_PROCESSING", defaultStandardProcessing),
					Shipping:   durationWithDefault(lookup, "ORDERS_PROGRESSION_STANDARD_SHIPPING", defaultStandardShipping),
					Delivery:   durationWithDefault(lookup, "ORDERS_PROGRESSION_STANDARD_DELIVERY", defaultStandardDelivery),
				},
				domain.ShippingExpress: {
					Processing: durationWithDefault(lookup, "ORDERS_PROGRESSION_EXPRESS_PROCESSING", defaultExpressProcessing),
					Shipping:   durationWithDefault(lookup, "ORDERS_PROGRESSION_EXPRESS_SHIPPING", defaultExpressShipping),
					Delivery:   durationWithDefault(lookup, "ORDERS_PROGRESSION_EXPRESS_DELIVERY", defaultExpressDelivery),
				},
				domain.ShippingFree: {
					Processing: durationWithDefault(lookup, "ORDERS_PROGRESSION_FREE_PROCESSING", defaultFreeProcessing),
					Shipping:   durationWithDefault(lookup, "ORDERS_PROGRESSION_FREE_SHIPPING", defaultFreeShipping),
					Delivery:   durationWithDefault(lookup, "ORDERS_PROGRESSION_FREE_DELIVERY", defaultFreeDelivery),
				},
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "ORDERS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "ORDERS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string

	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "server.port")
	} else if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		missing = append(missing, "server.port")
	}
	if c.Orders.CancelWindow <= 0 {
		missing = append(missing, "orders.cancel_window")
	}
	if c.Orders.GuestRetention <= 0 {
		missing = append(missing, "orders.guest_retention")
	}
	// A zero progression interval is valid: it disables the in-process worker.
	for method, thresholds := range c.Progression.Thresholds {
		if thresholds.Processing <= 0 || thresholds.Shipping <= 0 || thresholds.Delivery <= 0 {
			missing = append(missing, fmt.Sprintf("progression.thresholds.%s", method))
		}
	}
	if c.Idempotency.TTL <= 0 {
		missing = append(missing, "idempotency.ttl")
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve env file path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}
