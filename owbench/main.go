package main

// Soak harness for the decode worker: runs a configurable number of
// concurrent workers over the packets of an ogg file, with paced delivery
// and simulated losses, and reports aggregate decode statistics through the
// log and a prometheus endpoint.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/companyzero/opusworker/codec"
	"github.com/companyzero/opusworker/internal/version"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

func realMain() error {
	// Main context.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Settings.
	cfg, err := obtainSettings()
	if err != nil {
		return err
	}

	// Log.
	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, os.Stdout)
	if err != nil {
		return err
	}
	log := logBknd.logger("MAIN")

	// Profiler
	if cfg.Profile != "" {
		profileRedirect := http.RedirectHandler("/debug/pprof", http.StatusSeeOther)
		http.Handle("/", profileRedirect)
		go func() {
			log.Infof("Starting profile server on %s", cfg.Profile)
			err := http.ListenAndServe(cfg.Profile, nil)
			if err != nil {
				log.Errorf("Unable to run profiler: %v", err)
			}
		}()
	}

	log.Infof("Starting opusworker bench version %s", version.String())
	log.Infof("Available engines: %v", codec.Engines())
	log.Debugf("Settings %v", spew.Sdump(cfg))

	b, err := newBench(cfg, logBknd)
	if err != nil {
		return err
	}
	log.Infof("Loaded %d packets from %s", len(b.packets), cfg.InputFile)

	if cfg.RunTime > 0 {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, cfg.RunTime)
		defer cancelRun()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.run(gctx) })

	log.Infof("Listening for admin commands on %s", cfg.Listen)
	server := &http.Server{Addr: cfg.Listen, Handler: b.handler()}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	err = server.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		cancel()
		g.Wait()
		return err
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	log.Infof("Finished running bench")
	return err
}

func main() {
	err := realMain()
	if err != nil {
		fmt.Println("Error:", err.Error())
		os.Exit(1)
	}
}
