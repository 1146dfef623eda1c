package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// source 读取 viper 中的原始值，统一做去空格与严格解析。
// 整数一律按十进制解析，"010" 即 10。
type source struct {
	v *viper.Viper
}

func (s source) raw(key string) string {
	return cast.ToString(s.v.Get(key))
}

func (s source) str(key string) string {
	return strings.TrimSpace(s.raw(key))
}

func (s source) stringOr(key, defaultValue string) string {
	if value := s.str(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) boolOr(key string, defaultValue bool) (bool, error) {
	raw := s.str(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := cast.ToBoolE(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s source) intOr(key string, defaultValue int) (int, error) {
	raw := s.str(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s source) int64Or(key string, defaultValue int64) (int64, error) {
	raw := s.str(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// millisOr 解析以毫秒为单位的非负整数。
func (s source) millisOr(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := s.str(key)
	if raw == "" {
		return defaultValue, nil
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s source) optionalFloat(key string) (*float64, error) {
	raw := s.str(key)
	if raw == "" {
		return nil, nil
	}

	val, err := cast.ToFloat64E(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func (s source) optionalInt(key string) (*int, error) {
	raw := s.str(key)
	if raw == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}
