package nsq

import (
	"crypto/tls"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config carries every connection-, consumer-, and producer-level knob
// named in the NSQ client core specification. Unrecognized keys are
// rejected by Set -- there is no provision for runtime injection of
// arbitrary configuration.
type Config struct {
	// connection-level
	DialTimeout         time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	LocalAddr           string
	HeartbeatInterval   time.Duration
	OutputBufferSize    int64
	OutputBufferTimeout time.Duration
	SampleRate          int32
	MsgTimeout          time.Duration
	MaxRdyCount         int64
	ClientID            string
	Hostname            string
	UserAgent           string

	TlsV1     bool
	TlsConfig *tls.Config

	Deflate      bool
	DeflateLevel int
	Snappy       bool

	AuthSecret string

	// consumer-level
	MaxInFlight                      int
	MaxAttempts                      uint16
	MaxRequeueDelay                  time.Duration
	DefaultRequeueDelay              time.Duration
	MaxBackoffDuration               time.Duration
	LookupdPollInterval              time.Duration
	LookupdPollJitter                float64
	LowRdyIdleTimeout                time.Duration
	RDYRedistributeInterval          time.Duration
	StaleConnectionTimeoutMultiplier float64

	// producer-level
	ReconnectInterval time.Duration

	initialized bool
}

// NewConfig returns a Config populated with sensible defaults
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	c := &Config{
		DialTimeout:          time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         time.Second,
		HeartbeatInterval:    30 * time.Second,
		OutputBufferSize:     16 * 1024,
		OutputBufferTimeout:  250 * time.Millisecond,
		MsgTimeout:           60 * time.Second,
		MaxRdyCount:          2500,
		ClientID:             strings.SplitN(hostname, ".", 2)[0],
		Hostname:             hostname,
		UserAgent:            fmt.Sprintf("go-nsq/%s", VERSION),
		DeflateLevel:         6,

		MaxInFlight:                      1,
		MaxAttempts:                      5,
		DefaultRequeueDelay:              90 * time.Second,
		MaxRequeueDelay:                  15 * time.Minute,
		MaxBackoffDuration:               128 * time.Second,
		LookupdPollInterval:              60 * time.Second,
		LookupdPollJitter:                0.3,
		LowRdyIdleTimeout:                10 * time.Second,
		RDYRedistributeInterval:          5 * time.Second,
		StaleConnectionTimeoutMultiplier: 2.0,

		ReconnectInterval: 15 * time.Second,

		initialized: true,
	}
	return c
}

// Set takes an option as a string and a value as an interface and
// attempts to set the appropriate configuration option, performing any
// necessary type coercion. This lets CLI tools and dynamic config
// sources drive a typed struct through one string-keyed path.
func (c *Config) Set(option string, value interface{}) error {
	if !c.initialized {
		panic("Config must be created with NewConfig()")
	}

	fields := strings.Split(option, ".")
	field, subField := fields[0], ""
	if len(fields) == 2 {
		subField = fields[1]
	}

	val := reflect.ValueOf(c).Elem()
	fieldVal := val.FieldByNameFunc(func(name string) bool {
		return strings.EqualFold(name, field)
	})
	if !fieldVal.IsValid() {
		return fmt.Errorf("invalid option %s", option)
	}

	if subField == "Config" {
		tlsConf, ok := value.(*tls.Config)
		if !ok {
			return fmt.Errorf("value for %s must be a *tls.Config", option)
		}
		c.TlsConfig = tlsConf
		return nil
	}

	return coerce(fieldVal, value)
}

func coerce(field reflect.Value, value interface{}) error {
	v := reflect.ValueOf(value)

	switch field.Kind() {
	case reflect.String:
		s, err := toString(v)
		if err != nil {
			return err
		}
		field.SetString(s)
	case reflect.Bool:
		b, err := toBool(v)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := toDuration(v)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		field.Set(v)
	}
	return nil
}

func toString(v reflect.Value) (string, error) {
	switch v.Kind() {
	case reflect.String:
		return v.String(), nil
	default:
		return fmt.Sprintf("%v", v.Interface()), nil
	}
}

func toBool(v reflect.Value) (bool, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return strconv.ParseBool(v.String())
	}
	return false, fmt.Errorf("cannot coerce %v to bool", v.Interface())
}

func toInt64(v reflect.Value) (int64, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.String:
		return strconv.ParseInt(v.String(), 10, 64)
	}
	return 0, fmt.Errorf("cannot coerce %v to int64", v.Interface())
}

func toFloat64(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return strconv.ParseFloat(v.String(), 64)
	}
	return 0, fmt.Errorf("cannot coerce %v to float64", v.Interface())
}

func toDuration(v reflect.Value) (time.Duration, error) {
	switch v.Kind() {
	case reflect.Int, reflect.Int64:
		return time.Duration(v.Int()), nil
	case reflect.String:
		return time.ParseDuration(v.String())
	}
	return 0, fmt.Errorf("cannot coerce %v to time.Duration", v.Interface())
}

// Validate checks that a Config is internally consistent, so that a
// bad value is reported at construction time rather than surfacing as
// a runtime failure later
func (c *Config) Validate() error {
	if c.DeflateLevel < 1 || c.DeflateLevel > 9 {
		return fmt.Errorf("DeflateLevel must be between 1 and 9")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("MaxInFlight must be >= 0")
	}
	if c.LookupdPollJitter < 0 || c.LookupdPollJitter > 1 {
		return fmt.Errorf("LookupdPollJitter must be between 0 and 1")
	}
	if c.MaxBackoffDuration < 0 {
		return fmt.Errorf("MaxBackoffDuration must be >= 0")
	}
	return nil
}
