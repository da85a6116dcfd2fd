// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Params holds named settings with their current values. The type of the default value of each
// parameter defines how a new value is parsed: int, int64, float64, bool, string, []string, []int and []float64
// are supported.
type Params map[string]any

// Keys returns the parameter names, sorted.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in `params`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// A setting "file:<path>" reads settings from the file, one or more per line. Lines starting
// with "#" are comments. Files with a ".yaml" or ".yml" extension are parsed instead as a YAML
// mapping of parameter names to values.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It updates `params` accordingly and returns the names of the parameters set, or an error in case
// a parameter is unknown or the parsing failed.
func ParseSettings(params Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params Params, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		if ext := strings.ToLower(filepath.Ext(filePath)); ext == ".yaml" || ext == ".yml" {
			return parseYAMLSettings(params, contents, newParamsSet)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(params, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name = strings.TrimSpace(name)
	value, found := params[name]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, known parameters are %q", name, params.Keys())
		return
	}
	value, err = parseValue(value, valueStr)
	if err != nil {
		err = errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, name, params[name])
		return
	}
	params[name] = value
	newParamsSet = append(newParamsSet, name)
	return
}

// parseYAMLSettings parses a YAML mapping of parameter names to values. Lists are given as YAML sequences.
func parseYAMLSettings(params Params, contents []byte, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	var settings map[string]any
	if err = yaml.Unmarshal(contents, &settings); err != nil {
		err = errors.Wrapf(err, "failed to parse YAML settings")
		return
	}
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		valueStr := yamlValueToString(settings[name])
		newParamsSet, err = parseSetting(params, name+"="+valueStr, newParamsSet)
		if err != nil {
			return
		}
	}
	return
}

// yamlValueToString converts a decoded YAML value to the "<param>=<value>" string form.
func yamlValueToString(value any) string {
	if list, ok := value.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, element := range list {
			parts = append(parts, fmt.Sprint(element))
		}
		return strings.Join(parts, ",")
	}
	if value == nil {
		return ""
	}
	return fmt.Sprint(value)
}

// parseValue parses valueStr to the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	unmarshal := func(str string, v any) error {
		if err := jsoniter.UnmarshalFromString(str, v); err != nil {
			return errors.Wrapf(err, "parsing %q", str)
		}
		return nil
	}
	switch v := defaultValue.(type) {
	case int:
		err := unmarshal(strings.ReplaceAll(valueStr, "_", ""), &v)
		return v, err
	case int64:
		err := unmarshal(strings.ReplaceAll(valueStr, "_", ""), &v)
		return v, err
	case float64:
		err := unmarshal(valueStr, &v)
		return v, err
	case bool:
		err := unmarshal(valueStr, &v)
		return v, err
	case string:
		return valueStr, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	case []int:
		values := []int{}
		for _, part := range splitNonEmpty(valueStr) {
			var asInt int
			if err := unmarshal(strings.ReplaceAll(part, "_", ""), &asInt); err != nil {
				return nil, err
			}
			values = append(values, asInt)
		}
		return values, nil
	case []float64:
		values := []float64{}
		for _, part := range splitNonEmpty(valueStr) {
			var asFloat float64
			if err := unmarshal(part, &asFloat); err != nil {
				return nil, err
			}
			values = append(values, asFloat)
		}
		return values, nil
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

func splitNonEmpty(valueStr string) []string {
	if valueStr == "" {
		return nil
	}
	return strings.Split(valueStr, ",")
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters in `params` and their default values.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		params := commandline.Params{"beta": 1.0, "labels": []string{}}
//		settings := commandline.CreateSettingsFlag(params, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(params, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(params))
//		...
//	}
func CreateSettingsFlag(params Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set metric parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, key := range params.Keys() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, params[key]))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints the current values of the parameters into a string.
// If paramsSet is given, only those are printed.
func SprintSettings(params Params, paramsSet ...string) string {
	keys := params.Keys()
	if len(paramsSet) > 0 {
		keys = slices.Clone(paramsSet)
		slices.Sort(keys)
		keys = slices.Compact(keys)
	}
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value, found := params[key]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
