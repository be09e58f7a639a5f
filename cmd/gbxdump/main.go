// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command gbxdump inspects gbx containers.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/gbx"
	"github.com/SnellerInc/gbx/catalog"
	"github.com/SnellerInc/gbx/loader"
)

// config is the optional configuration file.
type config struct {
	// Roots are searched for external
	// files after the file's own directory.
	Roots []string `json:"roots,omitempty"`
	// Cache is the size of the loader
	// cache in bytes.
	Cache int `json:"cache,omitempty"`
	// CacheCodec is the compression
	// algorithm of the loader cache.
	CacheCodec string `json:"cacheCodec,omitempty"`
	// MaxDepth limits nested external files.
	MaxDepth int `json:"maxDepth,omitempty"`
	// Format is the default output format.
	Format string `json:"format,omitempty"`
}

var (
	dashv       bool
	dashh       bool
	dashc       string
	dashf       string
	dasho       string
	dashreindex bool
	dashstrip   bool
	dashzstd    bool
	dashroots   []string
)

func exitf(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func readConfig(name string) (*config, error) {
	conf := &config{Cache: 64 << 20}
	if name == "" {
		return conf, nil
	}
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(buf, conf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return conf, nil
}

// env holds everything a command needs
// to decode and encode files.
type env struct {
	conf   *config
	logger *log.Logger
	reg    *gbx.Registry
	dirs   map[string]*loader.Dir
}

func newEnv(conf *config, logger *log.Logger) *env {
	return &env{
		conf:   conf,
		logger: logger,
		reg:    catalog.NewRegistry(),
		dirs:   make(map[string]*loader.Dir),
	}
}

func (e *env) logf(f string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(f, args...)
	}
}

// dir returns the loader for files in the
// directory holding name; loaders are shared
// so that their caches survive across files
func (e *env) dir(name string) *loader.Dir {
	root := filepath.Dir(name)
	if d, ok := e.dirs[root]; ok {
		return d
	}
	d := loader.NewDir(root, e.conf.Cache)
	d.Search = e.conf.Roots
	d.Codec = e.conf.CacheCodec
	if e.logger != nil {
		d.Logf = e.logf
	}
	e.dirs[root] = d
	return d
}

func (e *env) decode(name string) (*gbx.Container, []byte, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, nil, err
	}
	opts := &gbx.DecodeOptions{
		Registry: e.reg,
		Loader:   e.dir(name),
		Path:     filepath.Base(name),
		MaxDepth: e.conf.MaxDepth,
	}
	if e.logger != nil {
		opts.Logf = e.logf
	}
	c, err := gbx.Decode(buf, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return c, buf, nil
}

func (e *env) encodeOptions() *gbx.EncodeOptions {
	return &gbx.EncodeOptions{
		Registry:      e.reg,
		Reindex:       dashreindex,
		StripExternal: dashstrip,
	}
}

func output() (io.WriteCloser, error) {
	if dasho == "" || dasho == "-" {
		return os.Stdout, nil
	}
	return os.Create(dasho)
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "    %s [flags] info <file>...\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        print a summary of each file\n")
	fmt.Fprintf(os.Stderr, "    %s [flags] roundtrip <file>...\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        decode and re-encode each file and compare the result\n")
	fmt.Fprintf(os.Stderr, "    %s [flags] [-o <output>] export <file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "        write the file with an uncompressed body\n")
	fmt.Fprintf(os.Stderr, "flag usage:\n")
	fs.PrintDefaults()
}

func main() {
	fs := pflag.NewFlagSet("gbxdump", pflag.ContinueOnError)
	fs.BoolVarP(&dashv, "verbose", "v", false, "log warnings and loader activity")
	fs.BoolVarP(&dashh, "help", "h", false, "show usage help")
	fs.StringVarP(&dashc, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&dashf, "format", "f", "", "output format for info (yaml, json, cbor)")
	fs.StringVarP(&dasho, "output", "o", "-", "output file (or - for stdout)")
	fs.BoolVar(&dashreindex, "reindex", false, "assign node indices densely when re-encoding")
	fs.BoolVar(&dashstrip, "strip", false, "inline external files when re-encoding")
	fs.BoolVar(&dashzstd, "zstd", false, "compress exported output with zstd")
	fs.StringSliceVar(&dashroots, "root", nil, "additional search root for external files")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			usage(fs)
			os.Exit(0)
		}
		exitf("%s\n", err)
	}
	args := fs.Args()
	if len(args) < 2 || dashh {
		usage(fs)
		os.Exit(1)
	}

	conf, err := readConfig(dashc)
	if err != nil {
		exitf("reading config: %s\n", err)
	}
	conf.Roots = append(conf.Roots, dashroots...)
	if dashf != "" {
		conf.Format = dashf
	}
	var logger *log.Logger
	if dashv {
		logger = log.New(os.Stderr, fmt.Sprintf("gbxdump %s ", uuid.New().String()[:8]), log.LstdFlags)
	}
	e := newEnv(conf, logger)

	w, err := output()
	if err != nil {
		exitf("%s\n", err)
	}
	defer w.Close()

	switch args[0] {
	case "info":
		err = e.info(w, args[1:])
	case "roundtrip":
		err = e.roundtrip(w, args[1:])
	case "export":
		if len(args) != 2 {
			exitf("usage: export <file>\n")
		}
		err = e.export(w, args[1])
	default:
		exitf("commands: info, roundtrip, export\n")
	}
	if err != nil {
		w.Close()
		exitf("%s: %s\n", args[0], err)
	}
}
