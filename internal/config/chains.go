package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"blockingest/internal/domain"
)

type AdapterType string

const (
	AdapterEVM        AdapterType = "EVM"
	AdapterEVMJSONRPC AdapterType = "EVM_JSONRPC"
)

type ChainConfig struct {
	Name        string
	AdapterType AdapterType
	Schemas     []string
	StartBlock  *uint64
	EndBlock    *uint64
	HTTPURL     string
	WSURL       string
}

func (c ChainConfig) HistoricalRange() (domain.Range, bool) {
	if c.StartBlock == nil {
		return domain.Range{}, false
	}
	r := domain.Range{Start: *c.StartBlock, End: domain.UntilTip}
	if c.EndBlock != nil {
		r.End = *c.EndBlock
	}
	return r, true
}

// Tasks lists the producer lineages configured for the chain: one realtime
// lineage per schema, plus a historical one when start_block is set.
func (c ChainConfig) Tasks() []domain.IngestionTask {
	r, historical := c.HistoricalRange()
	tasks := make([]domain.IngestionTask, 0, 2*len(c.Schemas))
	for _, schema := range c.Schemas {
		if historical {
			tasks = append(tasks, domain.IngestionTask{
				ChainName: c.Name,
				Schema:    schema,
				Mode:      domain.ModeHistorical,
				Range:     r,
			})
		}
		tasks = append(tasks, domain.IngestionTask{
			ChainName: c.Name,
			Schema:    schema,
			Mode:      domain.ModeRealtime,
		})
	}
	return tasks
}

type chainFile struct {
	AdapterType string   `mapstructure:"adapter_type"`
	Schemas     []string `mapstructure:"schemas"`
	StartBlock  *int64   `mapstructure:"start_block"`
	EndBlock    *int64   `mapstructure:"end_block"`
	HTTPURL     string   `mapstructure:"http_url"`
	WSURL       string   `mapstructure:"ws_url"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// LoadChains resolves http_url and ws_url as environment variable names.
func LoadChains(path string, env EnvSource) ([]ChainConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrConfig, path, err)
	}

	var file struct {
		Blockchains map[string]chainFile `mapstructure:"blockchains"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrConfig, path, err)
	}
	if len(file.Blockchains) == 0 {
		return nil, fmt.Errorf("%w: %s defines no blockchains", ErrConfig, path)
	}

	names := make([]string, 0, len(file.Blockchains))
	for name := range file.Blockchains {
		names = append(names, name)
	}
	sort.Strings(names)

	chains := make([]ChainConfig, 0, len(names))
	for _, name := range names {
		chain, err := resolveChain(name, file.Blockchains[name], env)
		if err != nil {
			return nil, fmt.Errorf("%w: blockchain %q: %w", ErrConfig, name, err)
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

func resolveChain(name string, raw chainFile, env EnvSource) (ChainConfig, error) {
	if !namePattern.MatchString(name) {
		return ChainConfig{}, fmt.Errorf("name must match %s", namePattern)
	}
	adapterType := AdapterType(strings.ToUpper(strings.TrimSpace(raw.AdapterType)))
	switch adapterType {
	case AdapterEVM, AdapterEVMJSONRPC:
	case "":
		return ChainConfig{}, fmt.Errorf("adapter_type is required")
	default:
		return ChainConfig{}, fmt.Errorf("unsupported adapter_type %q", raw.AdapterType)
	}

	if len(raw.Schemas) == 0 {
		return ChainConfig{}, fmt.Errorf("schemas must list at least one schema")
	}
	seen := make(map[string]struct{}, len(raw.Schemas))
	schemas := make([]string, 0, len(raw.Schemas))
	for _, schema := range raw.Schemas {
		schema = strings.ToLower(strings.TrimSpace(schema))
		if !namePattern.MatchString(schema) {
			return ChainConfig{}, fmt.Errorf("schema %q must match %s", schema, namePattern)
		}
		if _, dup := seen[schema]; dup {
			return ChainConfig{}, fmt.Errorf("schema %q listed twice", schema)
		}
		seen[schema] = struct{}{}
		schemas = append(schemas, schema)
	}

	start, err := blockNumber("start_block", raw.StartBlock)
	if err != nil {
		return ChainConfig{}, err
	}
	end, err := blockNumber("end_block", raw.EndBlock)
	if err != nil {
		return ChainConfig{}, err
	}
	if end != nil && start == nil {
		return ChainConfig{}, fmt.Errorf("end_block requires start_block")
	}
	if end != nil && *end < *start {
		return ChainConfig{}, fmt.Errorf("end_block %d is before start_block %d", *end, *start)
	}

	httpURL, err := resolveURL(env, "http_url", raw.HTTPURL, true)
	if err != nil {
		return ChainConfig{}, err
	}
	wsURL, err := resolveURL(env, "ws_url", raw.WSURL, false)
	if err != nil {
		return ChainConfig{}, err
	}

	return ChainConfig{
		Name:        name,
		AdapterType: adapterType,
		Schemas:     schemas,
		StartBlock:  start,
		EndBlock:    end,
		HTTPURL:     httpURL,
		WSURL:       wsURL,
	}, nil
}

func blockNumber(field string, value *int64) (*uint64, error) {
	if value == nil {
		return nil, nil
	}
	if *value < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	n := uint64(*value)
	return &n, nil
}

func resolveURL(env EnvSource, field, variable string, required bool) (string, error) {
	variable = strings.TrimSpace(variable)
	if variable == "" {
		if required {
			return "", fmt.Errorf("%s is required", field)
		}
		return "", nil
	}
	value, ok := env.Lookup(variable)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s names environment variable %s, which is not set", field, variable)
	}
	return strings.TrimSpace(value), nil
}
