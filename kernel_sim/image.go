// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/alistair23/tock/config"
	"github.com/alistair23/tock/manifest"
	"github.com/alistair23/tock/sim"
)

// extensions maps extension names accepted by mkimage to their types.
var extensions = map[string]uint32{
	"min_ram":        manifest.ExtMinRAM,
	"stack":          manifest.ExtStackSize,
	"kernel_reserve": manifest.ExtKernelReserve,
	"storage":        manifest.ExtStorageSize,
	"priority":       manifest.ExtPriority,
	"weight":         manifest.ExtWeight,
}

type extFlags map[uint32]uint32

func (e extFlags) String() string {
	var s []string

	for name, t := range extensions {
		if v, ok := e[t]; ok {
			s = append(s, fmt.Sprintf("%s=%d", name, v))
		}
	}

	return strings.Join(s, ",")
}

func (e extFlags) Set(arg string) error {
	kv := strings.SplitN(arg, "=", 2)

	if len(kv) != 2 {
		return fmt.Errorf("expected name=value, got %q", arg)
	}

	t, ok := extensions[kv[0]]

	if !ok {
		return fmt.Errorf("unknown extension %q", kv[0])
	}

	v, err := strconv.ParseUint(kv[1], 0, 32)

	if err != nil {
		return err
	}

	e[t] = uint32(v)

	return nil
}

type mkimageCmd struct {
	key    string
	name   string
	out    string
	id     uint
	sv     uint
	device string
	code   string
	entry  uint
	ext    extFlags
}

func (*mkimageCmd) Name() string     { return "mkimage" }
func (*mkimageCmd) Synopsis() string { return "build a signed application image" }
func (*mkimageCmd) Usage() string {
	return "mkimage -key <private key> -name <program> -id <identifier> [-o <file>]\n"
}

func (c *mkimageCmd) SetFlags(f *flag.FlagSet) {
	c.ext = make(extFlags)

	f.StringVar(&c.key, "key", "", "PEM encoded RSA-3072 private key, unsigned when empty")
	f.StringVar(&c.name, "name", "", "program name")
	f.StringVar(&c.out, "o", "", "output file, <name>.tbf when empty")
	f.UintVar(&c.id, "id", 0, "application identifier")
	f.UintVar(&c.sv, "sv", 0, "security version")
	f.StringVar(&c.device, "bind", "", "hex device identifier the image is bound to")
	f.StringVar(&c.code, "code", "", "raw RISC-V code, simulator placeholder code when empty")
	f.UintVar(&c.entry, "entry", 0, "entry point offset within the code")
	f.Var(c.ext, "ext", "extension name=value (min_ram, stack, kernel_reserve, storage, priority, weight)")
}

func (c *mkimageCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.name == "" || c.id == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if err := c.mkimage(); err != nil {
		logrus.Errorf("mkimage: %v", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func (c *mkimageCmd) mkimage() (err error) {
	var key *rsa.PrivateKey

	m := manifest.Manifest{
		Identifier:       uint32(c.id),
		SecurityVersion:  uint32(c.sv),
		UsageConstraints: manifest.Unconstrained(),
	}

	if c.device != "" {
		cfg := config.Default()
		cfg.Device.ID = c.device

		d, err := cfg.DeviceState()

		if err != nil {
			return err
		}

		m.UsageConstraints = manifest.BindTo(d)
	}

	for t, v := range c.ext {
		if err = m.SetExt(t, v); err != nil {
			return
		}
	}

	if c.key != "" {
		if key, err = loadPrivateKey(c.key); err != nil {
			return
		}
	}

	var image []byte

	if c.code == "" {
		image, err = sim.NewImage(c.name, m, key)
	} else {
		image, err = buildImage(c.name, c.code, uint32(c.entry), m, key)
	}

	if err != nil {
		return
	}

	if c.out == "" {
		c.out = c.name + ".tbf"
	}

	if err = os.WriteFile(c.out, image, 0644); err != nil {
		return
	}

	logrus.Printf("%s: %s (%d bytes)", c.out, &m, len(image))

	return
}

func buildImage(name string, path string, entry uint32, m manifest.Manifest, key *rsa.PrivateKey) (image []byte, err error) {
	code, err := os.ReadFile(path)

	if err != nil {
		return
	}

	if int(entry) >= len(code) {
		return nil, fmt.Errorf("entry point %#x outside %d bytes of code", entry, len(code))
	}

	m.EntryPoint = entry

	if image, err = manifest.Build(m, code, name); err != nil {
		return
	}

	if key != nil {
		err = manifest.Sign(image, key)
	}

	return
}

type inspectCmd struct {
	config string
}

func (*inspectCmd) Name() string     { return "inspect" }
func (*inspectCmd) Synopsis() string { return "show and verify application images" }
func (*inspectCmd) Usage() string {
	return "inspect [-config <board.toml>] <image>...\n"
}

func (c *inspectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "board configuration holding the trusted keys")
}

func (c *inspectCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var keys []*rsa.PublicKey

	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if c.config != "" {
		cfg, err := config.Load(c.config)

		if err != nil {
			logrus.Error(err)
			return subcommands.ExitFailure
		}

		if keys, err = cfg.TrustedKeys(); err != nil {
			logrus.Error(err)
			return subcommands.ExitFailure
		}
	}

	status := subcommands.ExitSuccess

	for _, path := range f.Args() {
		if err := inspect(path, keys); err != nil {
			logrus.Errorf("%s: %v", path, err)
			status = subcommands.ExitFailure
		}
	}

	return status
}

func inspect(path string, keys []*rsa.PublicKey) (err error) {
	image, err := os.ReadFile(path)

	if err != nil {
		return
	}

	m, err := manifest.Parse(image)

	if err != nil {
		return
	}

	fmt.Printf("%s: %s\n", path, m.Name(image))
	fmt.Printf("  %s\n", m)

	for name, t := range extensions {
		if v, ok := m.Ext(t); ok {
			fmt.Printf("  %s: %d\n", name, v)
		}
	}

	if err = m.Validate(); err != nil {
		return
	}

	if keys == nil {
		return
	}

	if err = m.Verify(image, keys); err != nil {
		return
	}

	fmt.Printf("  signature: ok\n")

	return
}

type keygenCmd struct {
	out string
}

func (*keygenCmd) Name() string     { return "keygen" }
func (*keygenCmd) Synopsis() string { return "generate an image signing key pair" }
func (*keygenCmd) Usage() string {
	return "keygen -o <name>\n"
}

func (c *keygenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "o", "app", "key file prefix, writes <prefix>.key and <prefix>.pem")
}

func (c *keygenCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	key, err := rsa.GenerateKey(rand.Reader, manifest.SignatureSize*8)

	if err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}

	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pub := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})

	if err = os.WriteFile(c.out+".key", priv, 0600); err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}

	if err = os.WriteFile(c.out+".pem", pub, 0644); err != nil {
		logrus.Error(err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(buf)

	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)

		if err != nil {
			return nil, err
		}

		if rk, ok := k.(*rsa.PrivateKey); ok {
			return rk, nil
		}
	}

	return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
}
