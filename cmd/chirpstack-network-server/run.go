package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/api/ns"
	internalapi "github.com/brocaar/chirpstack-network-server/internal/api"
	roamingapi "github.com/brocaar/chirpstack-network-server/internal/api/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/downlink"
	"github.com/brocaar/chirpstack-network-server/internal/downlink/ack"
	"github.com/brocaar/chirpstack-network-server/internal/fuota"
	"github.com/brocaar/chirpstack-network-server/internal/gateway"
	"github.com/brocaar/chirpstack-network-server/internal/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/chirpstack-network-server/internal/uplink"
	"github.com/brocaar/lorawan"
)

func run(cfgFile string) error {
	conf := config.Default()

	if cfgFile != "" {
		c, err := config.Load(cfgFile)
		if err != nil {
			return errors.Wrap(err, "load configuration error")
		}
		conf = c
	}

	if level, err := log.ParseLevel(conf.General.LogLevel); err == nil {
		log.SetLevel(level)
	}

	config.C = conf

	if err := storage.Setup(conf); err != nil {
		return errors.Wrap(err, "setup storage error")
	}

	if err := band.Setup(conf); err != nil {
		return errors.Wrap(err, "setup band error")
	}

	if err := roaming.Setup(conf); err != nil {
		return errors.Wrap(err, "setup roaming error")
	}

	if len(conf.Roaming.Servers) > 0 && conf.Roaming.Bind != "" {
		var netID lorawan.NetID
		if err := netID.UnmarshalText([]byte(conf.NetworkServer.NetID)); err != nil {
			return errors.Wrap(err, "unmarshal net-id error")
		}

		roamingServer := &http.Server{
			Addr:    conf.Roaming.Bind,
			Handler: roamingapi.NewAPI(netID),
		}
		go func() {
			if err := roamingServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("roaming api: listen and serve error")
			}
		}()
	}

	if err := uplink.Setup(conf); err != nil {
		return errors.Wrap(err, "setup uplink error")
	}

	gwBackend, err := gateway.NewMQTTBackend(conf.NetworkServer.Gateway.Backend.MQTT)
	if err != nil {
		return errors.Wrap(err, "setup gateway backend error")
	}
	defer gwBackend.Close()
	gateway.SetBackend(gwBackend)

	gwBackend.SetUplinkFrameFunc(func(frame gw.UplinkFrame) {
		go func() {
			if err := uplink.HandleUplinkFrame(context.Background(), frame); err != nil {
				log.WithError(err).Error("handle uplink frame error")
			}
		}()
	})
	gwBackend.SetDownlinkTXAckFunc(func(txAck gw.DownlinkTXAck) {
		go func() {
			if err := ack.HandleDownlinkTXAck(context.Background(), txAck); err != nil {
				log.WithError(err).Error("handle downlink tx ack error")
			}
		}()
	})
	gwBackend.SetGatewayStatsFunc(func(stats gw.GatewayStats) {
		go func() {
			s := storage.GatewayStatsRecord{
				Time:                time.Unix(0, stats.Time),
				RxPacketsReceived:   stats.RxPacketsReceived,
				RxPacketsReceivedOK: stats.RxPacketsReceivedOK,
				TxPacketsReceived:   stats.TxPacketsReceived,
				TxPacketsEmitted:    stats.TxPacketsEmitted,
				Location:            stats.Location,
			}
			copy(s.GatewayID[:], stats.GatewayId)

			if err := storage.SaveGatewayStats(context.Background(), storage.DB(), s); err != nil {
				log.WithError(err).Error("save gateway stats error")
			}
		}()
	})

	if err := downlink.Setup(conf); err != nil {
		return errors.Wrap(err, "setup downlink error")
	}
	downlink.Start()

	if err := fuota.Setup(conf); err != nil {
		return errors.Wrap(err, "setup fuota error")
	}
	fuota.Start()

	if conf.API.Bind != "" {
		apiServer, err := newAPIServer(conf.API)
		if err != nil {
			return errors.Wrap(err, "new api server error")
		}

		ln, err := net.Listen("tcp", conf.API.Bind)
		if err != nil {
			return errors.Wrap(err, "api: listen error")
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				log.WithError(err).Error("api: serve error")
			}
		}()
	}

	log.WithFields(log.Fields{
		"net_id": conf.NetworkServer.NetID,
		"band":   conf.NetworkServer.Band,
	}).Info("chirpstack-network-server: starting")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("chirpstack-network-server: shutting down")
	return nil
}

// newAPIServer builds the admin gRPC server (internal/api), using TLS when
// a cert/key pair is configured (mutual TLS, requiring verified client
// certificates, only when CACert is also set) and a plain listener otherwise,
// the same insecure-by-default fallback asclient/pool.go uses for its
// outbound connections.
func newAPIServer(conf config.APIConfig) (*grpc.Server, error) {
	var opts []grpc.ServerOption

	if conf.TLSCert != "" && conf.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(conf.TLSCert, conf.TLSKey)
		if err != nil {
			return nil, errors.Wrap(err, "load x509 keypair error")
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
		}

		if conf.CACert != "" {
			caCert, err := ioutil.ReadFile(conf.CACert)
			if err != nil {
				return nil, errors.Wrap(err, "read ca cert error")
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("append ca cert to pool error")
			}
			tlsConfig.ClientCAs = caCertPool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}

		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	} else {
		log.WithField("bind", conf.Bind).Warning("api: starting insecure admin api")
	}

	server := grpc.NewServer(opts...)
	ns.RegisterNetworkServerServer(server, internalapi.NewNetworkServerAPI())
	return server, nil
}
