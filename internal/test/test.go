// Package test holds fakes and fixtures shared by the other packages'
// test suites: an in-memory application-server client, a disposable
// config and Redis/Postgres reset helpers.
package test

import (
	"context"
	"database/sql"

	"github.com/gomodule/redigo/redis"
	"google.golang.org/grpc"

	"github.com/brocaar/chirpstack-network-server/api/as"
	"github.com/brocaar/chirpstack-network-server/internal/api/client/asclient"
	"github.com/brocaar/chirpstack-network-server/internal/config"
)

// GetConfig returns a configuration suitable for running the test-suites
// against a local Redis and Postgres instance.
func GetConfig() config.Config {
	conf := config.Default()
	conf.Redis.URL = "redis://localhost:6379/1"
	conf.PostgreSQL.DSN = "postgres://localhost/chirpstack_ns_test?sslmode=disable"
	return conf
}

// MustFlushRedis flushes the given Redis pool's currently selected
// database. Intended for use between test-cases only.
func MustFlushRedis(p *redis.Pool) {
	c := p.Get()
	defer c.Close()

	if _, err := c.Do("FLUSHDB"); err != nil {
		panic(err)
	}
}

// MustResetDB truncates every table touched by the test-suites, run
// between test-cases to give each one a clean slate.
func MustResetDB(db *sql.DB) {
	tables := []string{
		"device_queue_item",
		"device",
		"device_profile",
		"service_profile",
		"routing_profile",
		"multicast_group",
		"fuota_deployment",
		"gateway",
	}

	for _, t := range tables {
		if _, err := db.Exec("truncate table " + t + " cascade"); err != nil {
			panic(err)
		}
	}
}

// ApplicationClient is a fake as.ApplicationServerClient that records every
// call it receives on a buffered channel, so test-cases can assert on the
// exact sequence and content of calls the code under test made.
type ApplicationClient struct {
	HandleUplinkDataChan        chan as.HandleUplinkDataRequest
	HandleProprietaryUplinkChan chan as.HandleProprietaryUplinkRequest
	HandleErrorChan             chan as.HandleErrorRequest
	HandleDownlinkACKChan       chan as.HandleDownlinkACKRequest
	SetDeviceStatusChan         chan as.SetDeviceStatusRequest
	SetDeviceLocationChan       chan as.SetDeviceLocationRequest
}

// NewApplicationClient creates a new ApplicationClient with generously
// buffered channels (tests drain them explicitly, so the buffer only needs
// to never block a single test-case).
func NewApplicationClient() *ApplicationClient {
	return &ApplicationClient{
		HandleUplinkDataChan:        make(chan as.HandleUplinkDataRequest, 100),
		HandleProprietaryUplinkChan: make(chan as.HandleProprietaryUplinkRequest, 100),
		HandleErrorChan:             make(chan as.HandleErrorRequest, 100),
		HandleDownlinkACKChan:       make(chan as.HandleDownlinkACKRequest, 100),
		SetDeviceStatusChan:         make(chan as.SetDeviceStatusRequest, 100),
		SetDeviceLocationChan:       make(chan as.SetDeviceLocationRequest, 100),
	}
}

func (c *ApplicationClient) HandleUplinkData(ctx context.Context, in *as.HandleUplinkDataRequest, opts ...grpc.CallOption) (*as.Empty, error) {
	c.HandleUplinkDataChan <- *in
	return &as.Empty{}, nil
}

func (c *ApplicationClient) HandleProprietaryUplink(ctx context.Context, in *as.HandleProprietaryUplinkRequest, opts ...grpc.CallOption) (*as.Empty, error) {
	c.HandleProprietaryUplinkChan <- *in
	return &as.Empty{}, nil
}

func (c *ApplicationClient) HandleError(ctx context.Context, in *as.HandleErrorRequest, opts ...grpc.CallOption) (*as.Empty, error) {
	c.HandleErrorChan <- *in
	return &as.Empty{}, nil
}

func (c *ApplicationClient) HandleDownlinkACK(ctx context.Context, in *as.HandleDownlinkACKRequest, opts ...grpc.CallOption) (*as.Empty, error) {
	c.HandleDownlinkACKChan <- *in
	return &as.Empty{}, nil
}

func (c *ApplicationClient) SetDeviceStatus(ctx context.Context, in *as.SetDeviceStatusRequest, opts ...grpc.CallOption) (*as.Empty, error) {
	c.SetDeviceStatusChan <- *in
	return &as.Empty{}, nil
}

func (c *ApplicationClient) SetDeviceLocation(ctx context.Context, in *as.SetDeviceLocationRequest, opts ...grpc.CallOption) (*as.Empty, error) {
	c.SetDeviceLocationChan <- *in
	return &as.Empty{}, nil
}

// applicationServerPool is a fixed asclient.Pool that always hands back the
// same fake client, regardless of the requested hostname.
type applicationServerPool struct {
	client as.ApplicationServerClient
}

// NewApplicationServerPool wraps the given client as an asclient.Pool that
// ignores the requested hostname and TLS material.
func NewApplicationServerPool(client as.ApplicationServerClient) asclient.Pool {
	return &applicationServerPool{client: client}
}

func (p *applicationServerPool) Get(hostname string, caCert, tlsCert, tlsKey []byte) (as.ApplicationServerClient, error) {
	return p.client, nil
}
