/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads registryd configuration from a JSON file with
// environment variable overrides.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetreg/pkg/logger"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "FLEETREG_"

var (
	errInvalidConfigPtr = errors.New("config must be a non-nil pointer to a struct")
)

// Validator is implemented by configuration sections that apply defaults
// and check their own consistency.
type Validator interface {
	Validate() error
}

// Loader resolves a configuration struct from a source.
type Loader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// FileLoader loads configuration from a local JSON file.
type FileLoader struct{}

// Load implements Loader by reading and unmarshaling a JSON file.
func (*FileLoader) Load(_ context.Context, path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file '%s': %w", path, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from '%s': %w", path, err)
	}

	return nil
}

// EnvLoader overlays environment variables onto an already-populated
// configuration struct. Variable names follow the json tags of nested
// fields, upper-cased and joined with underscores: FLEETREG_REGISTRY_
// LIVENESS_TIMEOUT maps to cfg.Registry.LivenessTimeout.
type EnvLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvLoader creates an environment overlay loader. An empty prefix
// falls back to EnvPrefix.
func NewEnvLoader(log logger.Logger, prefix string) *EnvLoader {
	if prefix == "" {
		prefix = EnvPrefix
	}

	return &EnvLoader{logger: log, prefix: prefix}
}

// Load implements Loader. A complete JSON document in FLEETREG_CONFIG_JSON
// replaces the destination wholesale; otherwise individual variables
// override single fields.
func (e *EnvLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if raw := os.Getenv(e.prefix + "CONFIG_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errInvalidConfigPtr
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return errInvalidConfigPtr
	}

	return e.overlayStruct(v, strings.TrimSuffix(e.prefix, "_"))
}

func (e *EnvLoader) overlayStruct(v reflect.Value, path string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name := jsonFieldName(field)
		if name == "-" {
			continue
		}

		envName := path + "_" + strings.ToUpper(name)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			if err := e.overlayStruct(fv, envName); err != nil {
				return err
			}

			continue
		}

		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}

		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envName, err)
		}

		if e.logger != nil {
			e.logger.Debug().Str("var", envName).Msg("applied environment override")
		}
	}

	return nil
}

func jsonFieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return strings.ToLower(field.Name)
	}

	name := strings.Split(tag, ",")[0]
	if name == "" {
		return strings.ToLower(field.Name)
	}

	return name
}

// setField parses raw into the field. Types carrying custom JSON
// semantics (durations, pointers to bool) unmarshal through their own
// codecs so env values match file values.
func setField(fv reflect.Value, raw string) error {
	if fv.CanAddr() {
		if unmarshaler, ok := fv.Addr().Interface().(json.Unmarshaler); ok {
			quoted, err := json.Marshal(raw)
			if err != nil {
				return err
			}

			if uerr := unmarshaler.UnmarshalJSON(quoted); uerr == nil {
				return nil
			}
			// Fall through for types whose JSON form is not a string.
		}
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		fv.SetBool(parsed)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		fv.SetInt(parsed)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}

		fv.SetUint(parsed)
	case reflect.Float32, reflect.Float64:
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}

		fv.SetFloat(parsed)
	case reflect.Ptr:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}

		return setField(fv.Elem(), raw)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}

	return nil
}

// LoadAndValidate reads the file at path, overlays environment variables,
// and runs the destination's Validate if it has one.
func LoadAndValidate(ctx context.Context, path string, dst interface{}, log logger.Logger) error {
	if err := (&FileLoader{}).Load(ctx, path, dst); err != nil {
		return err
	}

	if err := NewEnvLoader(log, EnvPrefix).Load(ctx, path, dst); err != nil {
		return err
	}

	if validator, ok := dst.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("invalid configuration in %s: %w", path, err)
		}
	}

	return nil
}
