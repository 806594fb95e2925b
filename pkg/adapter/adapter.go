// Package adapter opens CAN interfaces from the gocan adapter registry.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/roffe/gocan"
	gocanadapter "github.com/roffe/gocan/adapter"
	log "github.com/sirupsen/logrus"
)

const socketCAN = "SocketCAN"

var ErrUnknownAdapter = errors.New("unknown adapter")

type Config struct {
	gocan.AdapterConfig
	// Attempts is how many times Open tries to initialize the adapter.
	Attempts uint
	Log      *log.Entry
}

// List returns the registered adapters sorted by name.
func List() []gocanadapter.AdapterInfo {
	out := gocanadapter.ListAdapters()
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// New creates the named adapter without initializing it. gocan registers one
// SocketCAN adapter per interface, so "SocketCAN" with a port resolves to
// "SocketCAN <port>".
func New(name string, cfg *Config) (gocan.Adapter, error) {
	adapters := gocanadapter.GetAdapterMap()
	if name == socketCAN && cfg.Port != "" {
		name = socketCAN + " " + cfg.Port
	}
	info, found := adapters[name]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	if info.RequiresSerialPort && cfg.Port == "" {
		return nil, fmt.Errorf("adapter %s requires a port", name)
	}
	return gocanadapter.New(name, &cfg.AdapterConfig)
}

// Open creates the named adapter and starts a gocan client on it, retrying
// initialization on failure. Unknown adapters and factory errors are not
// retried. ctx bounds the lifetime of the adapter.
func Open(ctx context.Context, name string, cfg *Config) (*gocan.Client, error) {
	if cfg.Log == nil {
		cfg.Log = log.NewEntry(log.StandardLogger())
	}
	l := cfg.Log.WithField("adapter", name)
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) { l.Info(msg) }
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) { l.WithError(err).Warn("adapter error") }
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}
	var client *gocan.Client
	err := retry.Do(
		func() error {
			dev, err := New(name, cfg)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			c, err := gocan.New(ctx, dev)
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.WithError(err).Warnf("open failed, attempt %d/%d", n+1, attempts)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("open adapter %s: %w", name, err)
	}
	return client, nil
}
