package fiber

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigSource is the consumer-side view of the external configuration
// registry described in spec §6: read-only from the core's perspective,
// with int/string accessors and a change-notification hook. Key names
// follow `[a-z][a-z0-9]*(\.[a-z0-9]+)*` by convention, e.g.
// "scheduler.threads".
type ConfigSource interface {
	GetInt(name string) (int, bool)
	GetString(name string) (string, bool)
	OnChange(name string, callback func())
}

// StaticConfig is an in-memory ConfigSource for embedding and tests. Set
// updates the stored value and fires any callbacks registered for name on
// the calling goroutine, matching spec §7's "best effort" treatment of
// onChange hooks: a panicking callback is recovered and logged rather than
// propagated.
type StaticConfig struct {
	mu        sync.RWMutex
	ints      map[string]int
	strings   map[string]string
	callbacks map[string][]func()
	logger    Logger
}

// NewStaticConfig creates an empty StaticConfig. Values are set via Set*
// and read back via GetInt/GetString.
func NewStaticConfig(logger Logger) *StaticConfig {
	if logger == nil {
		logger = defaultLogger()
	}
	return &StaticConfig{
		ints:      make(map[string]int),
		strings:   make(map[string]string),
		callbacks: make(map[string][]func()),
		logger:    logger,
	}
}

func (c *StaticConfig) GetInt(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.ints[name]
	return v, ok
}

func (c *StaticConfig) GetString(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.strings[name]
	return v, ok
}

func (c *StaticConfig) OnChange(name string, callback func()) {
	c.mu.Lock()
	c.callbacks[name] = append(c.callbacks[name], callback)
	c.mu.Unlock()
}

// SetInt updates name and fires its onChange callbacks.
func (c *StaticConfig) SetInt(name string, v int) {
	c.mu.Lock()
	c.ints[name] = v
	cbs := append([]func(){}, c.callbacks[name]...)
	c.mu.Unlock()
	c.notify(name, cbs)
}

// SetString updates name and fires its onChange callbacks.
func (c *StaticConfig) SetString(name string, v string) {
	c.mu.Lock()
	c.strings[name] = v
	cbs := append([]func(){}, c.callbacks[name]...)
	c.mu.Unlock()
	c.notify(name, cbs)
}

func (c *StaticConfig) notify(name string, cbs []func()) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					LogError(c.logger, "config", "onChange callback panicked", fmt.Errorf("%v", r), map[string]interface{}{"name": name})
				}
			}()
			cb()
		}()
	}
}

// yamlConfigDoc is the on-disk shape a YAMLConfig file parses into: a flat
// map of dotted key to either an int or a string, e.g.
//
//	scheduler.threads: -1
//	scheduler.batch_size: 32
type yamlConfigDoc map[string]interface{}

// YAMLConfig is a ConfigSource backed by a YAML file, loaded once at
// construction. It does not watch the filesystem; callers that need live
// reload should call Reload and rely on OnChange callbacks firing for keys
// whose value changed.
type YAMLConfig struct {
	path string
	mu   sync.RWMutex
	doc  yamlConfigDoc

	cbMu      sync.Mutex
	callbacks map[string][]func()
	logger    Logger
}

// LoadYAMLConfig reads and parses path into a YAMLConfig.
func LoadYAMLConfig(path string, logger Logger) (*YAMLConfig, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	c := &YAMLConfig{path: path, callbacks: make(map[string][]func()), logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file and fires OnChange callbacks for any
// key whose value differs from the previous load.
func (c *YAMLConfig) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("fiber: reading config %q: %w", c.path, err)
	}
	var doc yamlConfigDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("fiber: parsing config %q: %w", c.path, err)
	}

	c.mu.Lock()
	old := c.doc
	c.doc = doc
	c.mu.Unlock()

	var changed []string
	for k, v := range doc {
		if old == nil || fmt.Sprint(old[k]) != fmt.Sprint(v) {
			changed = append(changed, k)
		}
	}
	for k := range old {
		if _, ok := doc[k]; !ok {
			changed = append(changed, k)
		}
	}

	c.cbMu.Lock()
	var toRun []func()
	for _, k := range changed {
		toRun = append(toRun, c.callbacks[k]...)
	}
	c.cbMu.Unlock()

	for _, cb := range toRun {
		func() {
			defer func() {
				if r := recover(); r != nil {
					LogError(c.logger, "config", "onChange callback panicked", fmt.Errorf("%v", r), map[string]interface{}{})
				}
			}()
			cb()
		}()
	}
	return nil
}

func (c *YAMLConfig) GetInt(name string) (int, bool) {
	c.mu.RLock()
	v, ok := c.doc[name]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func (c *YAMLConfig) GetString(name string) (string, bool) {
	c.mu.RLock()
	v, ok := c.doc[name]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (c *YAMLConfig) OnChange(name string, callback func()) {
	c.cbMu.Lock()
	c.callbacks[name] = append(c.callbacks[name], callback)
	c.cbMu.Unlock()
}

// ThreadCountFromConfig resolves "scheduler.threads" per spec §6's
// positive-absolute / negative-multiplier convention, defaulting to the
// runtime parallelism (NumCPUThreads(-1)) if unset.
func ThreadCountFromConfig(src ConfigSource) int {
	if v, ok := src.GetInt("scheduler.threads"); ok {
		return NumCPUThreads(v)
	}
	return NumCPUThreads(-1)
}
