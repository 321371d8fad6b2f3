/*
Copyright 2024 CardLink Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command cardlink starts the OTA administration server or the card
// simulator client.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000"
	"github.com/veenone/cardlink-sub000/lib/adminhttp"
	"github.com/veenone/cardlink-sub000/lib/apdu"
	"github.com/veenone/cardlink-sub000/lib/defaults"
	"github.com/veenone/cardlink-sub000/lib/events"
	"github.com/veenone/cardlink-sub000/lib/psktls"
	"github.com/veenone/cardlink-sub000/lib/scp02"
	"github.com/veenone/cardlink-sub000/lib/scripts"
	"github.com/veenone/cardlink-sub000/lib/session"
	"github.com/veenone/cardlink-sub000/lib/uicc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("Command failed.")
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("cardlink", "OTA administration test harness for UICC and eUICC cards.")
	app.Version(cardlink.Version)
	debug := app.Flag("debug", "Enable verbose logging.").Bool()

	serverCmd := app.Command("server", "Start the PSK-TLS admin server.")
	listenAddr := serverCmd.Flag("listen", "Listen address.").Default(defaults.AdminListenAddr).String()
	serverIdentity := serverCmd.Flag("psk-identity", "Accepted PSK identity.").Default("test_card_001").String()
	serverKey := serverCmd.Flag("psk-key", "PSK key as hex.").Default("0102030405060708090A0B0C0D0E0F10").String()
	scriptsFile := serverCmd.Flag("scripts", "Script YAML document to preload.").String()

	simCmd := app.Command("simulator", "Run the card simulator against an admin server.")
	simAddr := simCmd.Flag("connect", "Admin server address.").Default("127.0.0.1:8443").String()
	simIdentity := simCmd.Flag("psk-identity", "PSK identity to present.").Default("test_card_001").String()
	simKey := simCmd.Flag("psk-key", "PSK key as hex.").Default("0102030405060708090A0B0C0D0E0F10").String()
	simICCID := simCmd.Flag("iccid", "Card ICCID.").Default("8901234567890123456").String()

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	switch command {
	case serverCmd.FullCommand():
		return trace.Wrap(runServer(*listenAddr, *serverIdentity, *serverKey, *scriptsFile))
	case simCmd.FullCommand():
		return trace.Wrap(runSimulator(*simAddr, *simIdentity, *simKey, *simICCID))
	}
	return trace.BadParameter("unknown command %q", command)
}

func runServer(listenAddr, identity, keyHex, scriptsFile string) error {
	key, err := apdu.DecodeHex(keyHex)
	if err != nil {
		return trace.Wrap(err)
	}
	keyStore, err := psktls.NewStaticKeyStore(map[string][]byte{identity: key})
	if err != nil {
		return trace.Wrap(err)
	}

	bus, err := events.NewBus(events.BusConfig{})
	if err != nil {
		return trace.Wrap(err)
	}
	registry, err := session.NewRegistry(session.RegistryConfig{Bus: bus})
	if err != nil {
		return trace.Wrap(err)
	}

	server, err := adminhttp.NewServer(adminhttp.ServerConfig{
		Registry: registry,
		Bus:      bus,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	store, err := scripts.NewStore(scripts.StoreConfig{})
	if err != nil {
		return trace.Wrap(err)
	}
	if scriptsFile != "" {
		doc, err := scripts.LoadFile(scriptsFile, nil)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := scripts.LoadIntoStore(store, doc); err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := scripts.NewExecutor(scripts.ExecutorConfig{
		Store:  store,
		Queuer: server,
		Bus:    bus,
	}); err != nil {
		return trace.Wrap(err)
	}

	inner, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	listener, err := psktls.NewListener(inner, psktls.ServerConfig{KeyStore: keyStore})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	registry.Start(ctx)
	defer registry.Close()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Server shutdown failed.")
		}
	}()

	log.WithField("listen", listenAddr).Info("Admin server listening.")
	return trace.Wrap(server.Serve(listener))
}

func runSimulator(addr, identity, keyHex, iccid string) error {
	key, err := apdu.DecodeHex(keyHex)
	if err != nil {
		return trace.Wrap(err)
	}
	card, err := uicc.New(uicc.Config{
		Profile: uicc.Profile{
			ICCID: iccid,
			Keys:  scp02.DefaultTestKeys(),
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	client, err := adminhttp.NewClient(adminhttp.ClientConfig{
		Dial: func(ctx context.Context) (net.Conn, error) {
			conn, err := psktls.Dial(ctx, "tcp", addr, psktls.ClientConfig{
				Identity: identity,
				Key:      key,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return conn, nil
		},
		Processor: processorAdapter{card},
		AdminFrom: "//se/iccid/" + iccid,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	result, err := client.Run(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	log.WithField("exchanged", result.Exchanged).Info("Admin session finished.")
	return nil
}

// processorAdapter binds the virtual UICC to the admin client.
type processorAdapter struct {
	card *uicc.UICC
}

func (p processorAdapter) Process(command []byte) []byte {
	return p.card.Process(command)
}
