package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
	kindStringSlice
)

// lookup walks cfg by dotted toml key.
func lookup(cfg Config, key string) (reflect.Value, bool) {
	if key == "" {
		return reflect.Value{}, false
	}
	v := reflect.ValueOf(cfg)
	for _, part := range strings.Split(key, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, false
		}
		v = field
	}
	return v, true
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tagName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	return name
}

// GetValue returns the value at a dotted key; a section key returns the
// whole section struct.
func GetValue(cfg Config, key string) (any, bool) {
	v, ok := lookup(cfg, key)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// Keys lists every leaf key, sorted.
func Keys() []string {
	var keys []string
	for key := range flatten(DefaultConfig()) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// flatten maps every leaf key to its value.
func flatten(cfg Config) map[string]any {
	out := map[string]any{}
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			key := tagName(t.Field(i))
			if prefix != "" {
				key = prefix + "." + key
			}
			field := v.Field(i)
			if field.Kind() == reflect.Struct {
				walk(key, field)
				continue
			}
			out[key] = field.Interface()
		}
	}
	walk("", reflect.ValueOf(cfg))
	return out
}

func kindOf(key string) (valueKind, error) {
	v, ok := lookup(DefaultConfig(), key)
	if !ok {
		return 0, fmt.Errorf("unsupported config key %q", key)
	}
	switch v.Kind() {
	case reflect.String:
		return kindString, nil
	case reflect.Int:
		return kindInt, nil
	case reflect.Bool:
		return kindBool, nil
	case reflect.Slice:
		return kindStringSlice, nil
	default:
		return 0, fmt.Errorf("config key %q is a section, not a value", key)
	}
}

// ParseValue converts a command-line string to the type of key.
func ParseValue(key, raw string) (any, error) {
	kind, err := kindOf(key)
	if err != nil {
		return nil, err
	}
	v, err := parseValueByKind(raw, kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case kindString:
		return raw, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", raw)
		}
		return b, nil
	case kindStringSlice:
		items := []string{}
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", kind)
	}
}
