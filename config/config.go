// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config loads the board configuration file.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/alistair23/tock/mem"
)

// Scheduler policies.
const (
	RoundRobin = "round-robin"
	Priority   = "priority"
	FairShare  = "fair-share"
)

// Fault policies.
const (
	FaultStop    = "stop"
	FaultRestart = "restart"
	FaultPanic   = "panic"
)

// Duration is a time.Duration decoded from strings such as "10ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Region is a memory map entry.
type Region struct {
	Start uint32 `toml:"start"`
	Size  uint32 `toml:"size"`
}

// Memory overrides the built-in board memory map.
type Memory struct {
	Kernel  []Region `toml:"kernel"`
	Boot    Region   `toml:"boot"`
	Program Region   `toml:"program"`
	Storage Region   `toml:"storage"`
	RAM     Region   `toml:"ram"`
}

// Kernel holds the scheduling and process management knobs.
type Kernel struct {
	Scheduler    string   `toml:"scheduler"`
	Quantum      Duration `toml:"quantum"`
	MaxProcesses int      `toml:"max_processes"`
	UpcallQueue  int      `toml:"upcall_queue"`
	PMPRegions   int      `toml:"pmp_regions"`
	PMPTOR       bool     `toml:"pmp_tor"`
}

// Fault selects the per-process fault policy.
type Fault struct {
	Policy    string   `toml:"policy"`
	Threshold uint64   `toml:"threshold"`
	Delay     Duration `toml:"delay"`
	MaxDelay  Duration `toml:"max_delay"`
}

// Device describes the device state usage constraints are checked against.
type Device struct {
	ID                 string `toml:"id"`
	Creator            uint32 `toml:"creator"`
	Owner              uint32 `toml:"owner"`
	LifeCycle          uint32 `toml:"life_cycle"`
	MinSecurityVersion uint32 `toml:"min_security_version"`
}

// Config is the board configuration.
type Config struct {
	Memory *Memory  `toml:"memory"`
	Kernel Kernel   `toml:"kernel"`
	Fault  Fault    `toml:"fault"`
	Device Device   `toml:"device"`
	Keys   []string `toml:"keys"`
	// KeyPEM lists inline trusted keys, for boards without a filesystem.
	KeyPEM []string `toml:"key_pem"`

	dir string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Kernel: Kernel{
			Scheduler:    RoundRobin,
			Quantum:      Duration{10 * time.Millisecond},
			MaxProcesses: 4,
			UpcallQueue:  10,
			PMPRegions:   16,
			PMPTOR:       true,
		},
		Fault: Fault{
			Policy:    FaultRestart,
			Threshold: 3,
		},
	}
}

// Load reads and validates the configuration file at path, on top of the
// defaults. Relative key paths are resolved from the file directory.
func Load(path string) (c *Config, err error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return
	}

	if c, err = Parse(buf); err != nil {
		return nil, fmt.Errorf("%s, %v", path, err)
	}

	c.dir = filepath.Dir(path)

	return
}

// Parse decodes and validates a configuration, on top of the defaults.
func Parse(buf []byte) (c *Config, err error) {
	c = Default()

	md, err := toml.Decode(string(buf), c)

	if err != nil {
		return nil, fmt.Errorf("could not parse configuration, %v", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration keys %v", undecoded)
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return
}

// Validate reports every inconsistency in the configuration.
func (c *Config) Validate() (err error) {
	switch c.Kernel.Scheduler {
	case RoundRobin, Priority, FairShare:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown scheduler %q", c.Kernel.Scheduler))
	}

	switch c.Fault.Policy {
	case FaultStop, FaultRestart, FaultPanic:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown fault policy %q", c.Fault.Policy))
	}

	if c.Kernel.Quantum.Duration <= 0 {
		err = multierr.Append(err, fmt.Errorf("quantum must be positive"))
	}

	if c.Kernel.MaxProcesses <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_processes must be positive"))
	}

	if c.Kernel.UpcallQueue <= 0 {
		err = multierr.Append(err, fmt.Errorf("upcall_queue must be positive"))
	}

	if c.Kernel.PMPRegions < 2 || c.Kernel.PMPRegions > 64 {
		err = multierr.Append(err, fmt.Errorf("pmp_regions must be between 2 and 64"))
	}

	if c.Fault.MaxDelay.Duration != 0 && c.Fault.MaxDelay.Duration < c.Fault.Delay.Duration {
		err = multierr.Append(err, fmt.Errorf("fault max_delay shorter than delay"))
	}

	if _, e := c.DeviceID(); e != nil {
		err = multierr.Append(err, e)
	}

	if c.Memory != nil {
		err = multierr.Append(err, c.Map(mem.Map{}).Validate())
	}

	return
}

// DeviceID decodes the hex device identifier into eight little-endian words.
func (c *Config) DeviceID() (id [8]uint32, err error) {
	if c.Device.ID == "" {
		return
	}

	b, err := hex.DecodeString(c.Device.ID)

	if err != nil {
		return id, fmt.Errorf("invalid device id, %v", err)
	}

	if len(b) != 32 {
		return id, fmt.Errorf("device id must be 32 bytes, got %d", len(b))
	}

	for i := range id {
		id[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}

	return
}

// Map returns the memory map, def when the file does not override it.
func (c *Config) Map(def mem.Map) mem.Map {
	if c.Memory == nil {
		return def
	}

	m := mem.Map{
		Boot:    mem.Region{Name: "boot", Start: c.Memory.Boot.Start, Size: c.Memory.Boot.Size, Perm: mem.ReadExecute},
		Program: mem.Region{Name: "program", Start: c.Memory.Program.Start, Size: c.Memory.Program.Size, Perm: mem.ReadExecute},
		Storage: mem.Region{Name: "storage", Start: c.Memory.Storage.Start, Size: c.Memory.Storage.Size, Perm: mem.ReadWrite},
		RAM:     mem.Region{Name: "app-ram", Start: c.Memory.RAM.Start, Size: c.Memory.RAM.Size, Perm: mem.ReadWrite},
	}

	for i, r := range c.Memory.Kernel {
		m.Kernel = append(m.Kernel, mem.Region{
			Name:  fmt.Sprintf("kernel%d", i),
			Start: r.Start,
			Size:  r.Size,
			Perm:  mem.ReadWriteExecute,
		})
	}

	return m
}

// TrustedKeys loads the PEM encoded RSA public keys listed in the
// configuration, relative paths being resolved against the file location.
func (c *Config) TrustedKeys() (keys []*rsa.PublicKey, err error) {
	for _, path := range c.Keys {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.dir, path)
		}

		buf, err := os.ReadFile(path)

		if err != nil {
			return nil, err
		}

		key, err := ParsePublicKey(buf)

		if err != nil {
			return nil, fmt.Errorf("%s, %v", path, err)
		}

		keys = append(keys, key)
	}

	for i, buf := range c.KeyPEM {
		key, err := ParsePublicKey([]byte(buf))

		if err != nil {
			return nil, fmt.Errorf("key_pem %d, %v", i, err)
		}

		keys = append(keys, key)
	}

	return
}

// ParsePublicKey decodes a PEM encoded PKIX or PKCS#1 RSA public key.
func ParsePublicKey(buf []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(buf)

	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)

		if err != nil {
			return nil, err
		}

		if rk, ok := k.(*rsa.PublicKey); ok {
			return rk, nil
		}

		return nil, fmt.Errorf("not an RSA public key")
	}

	return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
}
