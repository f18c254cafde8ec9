package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/remiges-tech/rigel"
	"github.com/remiges-tech/rigel/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config is an interface that represents a source from which application configuration can be loaded.
type Config interface {
	LoadConfig(c any) error
	Check() error
	Get(key string) (string, error)

	// Watch watches for changes to a key in the storage and sends the events to the provided channel.
	// Each event carries a key and a value: Rigel sends the changed field's
	// new value, File sends its config file path.
	// events is the channel to send events when the key's value changes
	Watch(ctx context.Context, key string, events chan<- Event) error
}

// Event represents a change to a key in the storage.
// Key is the key that was changed
// Value is the new value of the key
type Event struct {
	Key   string
	Value string
}

// Load first ensures that the config system valid and accessible. Then it loads the config into c.
func Load(cs Config, c any) error {
	if err := cs.Check(); err != nil {
		return err
	}
	return cs.LoadConfig(c)
}

// File

type File struct {
	ConfigFilePath string
	Config         map[string]interface{}
}

func (f *File) Check() error {
	if f.ConfigFilePath == "" {
		return fmt.Errorf("configFilePath cannot be empty")
	}

	return nil
}

func newFile(configFilePath string) (*File, error) {
	file := &File{ConfigFilePath: configFilePath}

	if err := file.Check(); err != nil {
		return nil, err
	}

	return file, nil
}

func (f *File) LoadConfig(appConfig any) error {
	filePath := f.ConfigFilePath
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	return decoder.Decode(appConfig)
}

type ValueNotStringError struct {
	Key   string
	Value interface{}
}

func (e *ValueNotStringError) Error() string {
	return fmt.Sprintf("value for key %s is not a string: %v", e.Key, e.Value)
}

type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %s not found in config", e.Key)
}

// Get retrieves a value from the configuration based on the provided key.
// If the value is a string, it is returned as is. If the value is not a string,
// it is converted to a string using fmt.Sprintf and returned along with the error ValueNotStringError.
// If the key is not found in the configuration, an error of type KeyNotFoundError is returned.
func (f *File) Get(key string) (string, error) {
	value, ok := f.Config[key]
	if !ok {
		return "", &KeyNotFoundError{Key: key}
	}

	strValue := fmt.Sprintf("%v", value)

	strValueAsserted, ok := value.(string)
	if !ok {
		return strValue, &ValueNotStringError{Key: key, Value: value}
	}

	return strValueAsserted, nil
}

// Rigel is a Config source bound to one (app, module, version, config)
// document in a rigel/etcd store.
type Rigel struct {
	Client *rigel.Rigel
	// Etcd is the underlying etcd client, retained so Watch can observe the
	// document's key range directly.
	Etcd *clientv3.Client

	App, Module string
	Version     int
	ConfigName  string
}

// NewRigelSource connects to etcd and binds a rigel config source for one
// (app, module, version, config) document.
func NewRigelSource(etcdEndpoints []string, app, module string, version int, configName string) (*Rigel, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdEndpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	etcdStorage := &etcd.EtcdStorage{Client: cli}
	return &Rigel{
		Client:     rigel.New(etcdStorage, app, module, version, configName),
		Etcd:       cli,
		App:        app,
		Module:     module,
		Version:    version,
		ConfigName: configName,
	}, nil
}

func (r *Rigel) Check() error {
	if r.Client == nil {
		return fmt.Errorf("rigel config source has no client")
	}
	return nil
}

func (r *Rigel) LoadConfig(config any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Client.LoadConfig(ctx, config)
}

func (r *Rigel) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Client.Get(ctx, key)
}

// KeyPrefix is the etcd key range this source's config fields live under,
// mirroring rigel's per-field storage layout. Pass it to Watch to observe
// the whole document.
func (r *Rigel) KeyPrefix() string {
	return fmt.Sprintf("/remiges/rigel/%s/%s/%d/config/%s/", r.App, r.Module, r.Version, r.ConfigName)
}

const fileWatchInterval = 5 * time.Second

// Watch polls the config file's modification time and emits one Event per
// observed change. key is echoed back in the Event so callers can share one
// events channel across sources; the Event's Value is the config file path,
// not the file's new contents. The goroutine stops when ctx is cancelled.
func (f *File) Watch(ctx context.Context, key string, events chan<- Event) error {
	info, err := os.Stat(f.ConfigFilePath)
	if err != nil {
		return err
	}
	go func() {
		last := info.ModTime()
		ticker := time.NewTicker(fileWatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(f.ConfigFilePath)
				if err != nil {
					continue
				}
				if info.ModTime().After(last) {
					last = info.ModTime()
					select {
					case events <- Event{Key: key, Value: f.ConfigFilePath}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return nil
}

// Watch streams changes under key, treated as an etcd prefix: rigel stores
// one etcd key per config field, so every field update yields one Event.
// The goroutine stops when ctx is cancelled (closing the etcd watch channel).
func (r *Rigel) Watch(ctx context.Context, key string, events chan<- Event) error {
	if r.Etcd == nil {
		return fmt.Errorf("rigel config source has no etcd client to watch with")
	}
	wch := r.Etcd.Watch(ctx, key, clientv3.WithPrefix())
	go func() {
		for resp := range wch {
			for _, ev := range resp.Events {
				select {
				case events <- Event{Key: string(ev.Kv.Key), Value: string(ev.Kv.Value)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}
