// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scidata-fed/librarian/api"
	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/filesvc"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/orchestration"
	"github.com/scidata-fed/librarian/peers"
	"github.com/scidata-fed/librarian/scheduler"
	"github.com/scidata-fed/librarian/slackwebhook"
	"github.com/scidata-fed/librarian/stores"
	"github.com/scidata-fed/librarian/transfermgr"

	"github.com/scidata-fed/librarian/core"
)

// prints usage info
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s <config_file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See config/config.go for details on config files.\n")
	os.Exit(1)
}

func enableLogging() {
	logLevel := new(slog.LevelVar)
	if config.Service.Debug {
		logLevel.Set(slog.LevelDebug)
	} else {
		logLevel.Set(slog.LevelInfo)
	}
	handler := slog.NewJSONHandler(os.Stdout,
		&slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Debug logging enabled.")
}

// reconcileStores registers a metadatadb.Store row for every store
// declared in config.Stores that doesn't have one yet. Existing rows are
// left untouched -- an operator may have since disabled or emptied a store
// through set_store_state, and a restart shouldn't silently undo that.
func reconcileStores(db *metadatadb.DB) error {
	for name, sc := range config.Stores {
		if _, err := db.GetStore(name); err == nil {
			continue
		}
		if err := db.CreateStore(core.Store{
			Name:                 name,
			Type:                 core.StoreTypeLocal,
			StagingPath:          sc.StoreData.StagingPath,
			CommitPath:           sc.StoreData.StorePath,
			Capacity:             sc.Capacity,
			ReportFullFraction:   sc.StoreData.ReportFullFraction,
			Ingestible:           sc.Ingestible,
			Enabled:              true,
			Available:            true,
			GroupWriteAfterStage: sc.StoreData.GroupWriteAfterStage,
			OwnAfterCommit:       sc.StoreData.OwnAfterCommit,
			ReadonlyAfterCommit:  sc.StoreData.ReadonlyAfterCommit,
		}); err != nil {
			return fmt.Errorf("registering store %q: %w", name, err)
		}
	}
	return nil
}

// buildTransferManagers resolves each configured store's outbound transfer
// manager(s) from its transfer_manager_data/asynchronous_transfer_manager_data
// blocks (spec §4.2's TransferManagers capability tags): a sync manager
// copies bytes directly between local store roots (create_local_clone,
// send_clone), and an async manager pushes a batch to a named peer over
// HTTP (consume_queue) using that peer's decrypted authenticator. Stores
// with neither block configured get no transfer manager and can only be an
// upload/ingest destination, never a push source.
func buildTransferManagers(db *metadatadb.DB, storeReg *stores.Registry, peerReg *peers.Registry) (map[string]transfermgr.Manager, map[string]*transfermgr.SyncManager, error) {
	managers := make(map[string]transfermgr.Manager)
	cloneManagers := make(map[string]*transfermgr.SyncManager)

	for name, sc := range config.Stores {
		store, err := storeReg.Get(name)
		if err != nil {
			return nil, nil, err
		}

		if len(sc.TransferManagerData) > 0 {
			sm := transfermgr.NewSyncManager(store.Root())
			cloneManagers[name] = sm
			managers[name] = sm
		}

		if peerName := sc.AsyncTransferManagerData["peer"]; peerName != "" {
			peer, err := db.GetPeer(peerName)
			if err != nil {
				return nil, nil, fmt.Errorf("store %q: asynchronous_transfer_manager_data names unknown peer %q: %w", name, peerName, err)
			}
			_, token, err := peerReg.AuthorizedClient(peer)
			if err != nil {
				return nil, nil, fmt.Errorf("store %q: decrypting authenticator for peer %q: %w", name, peerName, err)
			}
			managers[name] = transfermgr.NewAsyncManager(peer.BaseURL, token)
		}
	}
	return managers, cloneManagers, nil
}

func main() {
	// the only argument is the configuration filename
	if len(os.Args) < 2 {
		usage()
	}
	configFile := os.Args[1]

	// read the configuration file and initialize the config package
	log.Printf("Reading configuration from '%s'...\n", configFile)
	file, err := os.Open(configFile)
	if err != nil {
		log.Panicf("Couldn't open %s: %s\n", configFile, err.Error())
	}
	defer file.Close()
	b, err := io.ReadAll(file)
	if err != nil {
		log.Panicf("Couldn't read configuration data: %s\n", err.Error())
	}
	if err := config.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}

	enableLogging()

	db, err := metadatadb.Open(config.Database.Name)
	if err != nil {
		log.Panicf("Couldn't open the metadata database: %s\n", err.Error())
	}
	defer db.Close()

	if err := reconcileStores(db); err != nil {
		log.Panicf("Couldn't register configured stores: %s\n", err.Error())
	}

	storeReg, err := stores.NewRegistry()
	if err != nil {
		log.Panicf("Couldn't initialize stores: %s\n", err.Error())
	}

	keys, err := peers.LoadKeyRing(config.Service.EncryptionKeyFile)
	if err != nil {
		log.Panicf("Couldn't load the encryption key ring: %s\n", err.Error())
	}
	peerReg := peers.NewRegistry(keys, 30*time.Second)

	managers, cloneManagers, err := buildTransferManagers(db, storeReg, peerReg)
	if err != nil {
		log.Panicf("Couldn't build transfer managers: %s\n", err.Error())
	}

	orch := orchestration.New(db, storeReg, peerReg, managers, config.Service.Name)
	files := filesvc.New(db, storeReg)
	server := api.NewServer(db, files, orch, storeReg, peerReg)

	var sched *scheduler.Scheduler
	if config.Service.BackgroundConfigFile != "" {
		schedCfg, err := scheduler.LoadConfig(config.Service.BackgroundConfigFile)
		if err != nil {
			log.Panicf("Couldn't load background task configuration: %s\n", err.Error())
		}
		sched = scheduler.New(db, orch, files, storeReg, cloneManagers, schedCfg)
		sched.Start()
	} else {
		slog.Warn("no background_config_file configured; scheduler is idle, transfers will not progress on their own")
	}

	forwarder, err := slackwebhook.New(db)
	if err != nil {
		log.Panicf("Couldn't initialize Slack webhook forwarding: %s\n", err.Error())
	}
	slackStop := make(chan struct{})
	if forwarder != nil {
		go forwarder.Run(30*time.Second, slackStop)
	}

	// intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals so we can shut
	// down the service gracefully if they are encountered
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// start the service in a goroutine so it doesn't block
	go func() {
		err := server.Start()
		if err != nil { // on error, log the error message and issue a SIGINT
			log.Println(err.Error())
			thisProcess, _ := os.FindProcess(os.Getpid())
			thisProcess.Signal(os.Interrupt)
		}
	}()

	// block till we receive one of the above signals
	<-sigChan

	close(slackStop)
	if sched != nil {
		sched.Close()
	}

	// create a deadline to wait for
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// wait for connections to close until the deadline elapses
	server.Shutdown(ctx)
	log.Println("Shutting down")
	os.Exit(0)
}
