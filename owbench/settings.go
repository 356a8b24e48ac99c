package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/companyzero/opusworker/internal/version"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const maxLogFiles = 10

type settings struct {
	Listen    string // admin/metrics listen address
	InputFile string // ogg file the packet stream is taken from
	Workers   int    // number of concurrent decode workers
	Engine    string // decoding engine name
	Gain      float64
	LossRate  float64       // fraction of packets sent as losses
	Pacing    time.Duration // interval between packets of one worker
	RunTime   time.Duration // how long to run (0 means until interrupted)

	ReportInterval time.Duration // interval between stats log lines

	// log section
	LogFile    string // log filename
	DebugLevel string // debug level config string

	// Debug section
	Profile string // Profiler bind addr
}

var errIniNotFound = errors.New("ini setting not found")

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}

	dur, err := strduration.ParseDuration(v)
	if err == nil {
		*p = dur
	}
	return err
}

func obtainSettings() (*settings, error) {
	// setup default paths
	usr, err := user.Current()
	if err != nil {
		return nil, err
	}

	// config file
	rootDir := filepath.Join(usr.HomeDir, ".owbench")
	filename := flag.String("cfg", filepath.Join(rootDir, "owbench.conf"), "config file")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "owbench %s (%s)\n",
			version.String(), runtime.Version())
		os.Exit(0)
	}

	// Default settings.
	s := &settings{
		Listen:         "127.0.0.1:9410",
		Workers:        1,
		Gain:           1.0,
		Pacing:         20 * time.Millisecond,
		ReportInterval: 10 * time.Second,
		LogFile:        filepath.Join(rootDir, "logs", "owbench.log"),
		DebugLevel:     "info",
	}

	// parse file, when it exists
	cfg, err := ini.LoadFile(*filename)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	get := func(p *string, section, field string) {
		v, ok := cfg.Get(section, field)
		if ok {
			*p = v
		}
	}
	getInt := func(i *int, section, field string) {
		s, ok := cfg.Get(section, field)
		if ok {
			v, err := strconv.Atoi(s)
			if err == nil {
				*i = v
			}
		}
	}
	getFloat := func(f *float64, section, field string) {
		s, ok := cfg.Get(section, field)
		if ok {
			v, err := strconv.ParseFloat(s, 64)
			if err == nil {
				*f = v
			}
		}
	}
	getDuration := func(d *time.Duration, section, field string) error {
		err := iniDuration(cfg, d, section, field)
		if errors.Is(err, errIniNotFound) {
			return nil
		}
		return err
	}

	// Fill settings.
	get(&s.Listen, "", "listen")
	get(&s.InputFile, "", "inputfile")
	getInt(&s.Workers, "", "workers")
	get(&s.Engine, "", "engine")
	getFloat(&s.Gain, "", "gain")
	getFloat(&s.LossRate, "", "lossrate")
	if err := getDuration(&s.Pacing, "", "pacing"); err != nil {
		return nil, fmt.Errorf("invalid pacing: %v", err)
	}
	if err := getDuration(&s.RunTime, "", "runtime"); err != nil {
		return nil, fmt.Errorf("invalid runtime: %v", err)
	}
	if err := getDuration(&s.ReportInterval, "", "reportinterval"); err != nil {
		return nil, fmt.Errorf("invalid reportinterval: %v", err)
	}
	get(&s.LogFile, "log", "logfile")
	get(&s.DebugLevel, "log", "debuglevel")
	get(&s.Profile, "debug", "profile")

	if s.Workers < 1 {
		return nil, fmt.Errorf("workers must be positive")
	}
	if s.LossRate < 0 || s.LossRate > 1 {
		return nil, fmt.Errorf("lossrate must be in [0,1]")
	}
	if s.InputFile == "" {
		return nil, fmt.Errorf("no inputfile configured")
	}

	return s, nil
}
