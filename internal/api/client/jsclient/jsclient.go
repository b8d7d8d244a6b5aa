// Package jsclient implements the Backend Interfaces HTTP/JSON client
// used to forward a JoinReq to an external join-server, mirroring
// internal/api/client/asclient's pooling pattern but over plain HTTPS
// instead of gRPC (the Backend Interfaces spec is HTTP/JSON, not gRPC).
package jsclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan/backend"
)

// Client is a single join-server's HTTP endpoint.
type Client interface {
	JoinRequest(ctx context.Context, pl backend.JoinReqPayload) (backend.JoinAnsPayload, error)
	HomeNSReq(ctx context.Context, pl backend.HomeNSReqPayload) (backend.HomeNSAnsPayload, error)
}

// Pool caches one Client per join-server hostname.
type Pool interface {
	Get(server string, caCert, tlsCert, tlsKey []byte) (Client, error)
}

type pool struct {
	sync.RWMutex
	clients map[string]Client
}

// NewPool creates a new Pool.
func NewPool() Pool {
	return &pool{clients: make(map[string]Client)}
}

func (p *pool) Get(server string, caCert, tlsCert, tlsKey []byte) (Client, error) {
	p.Lock()
	defer p.Unlock()

	if c, ok := p.clients[server]; ok {
		return c, nil
	}

	c, err := NewClient(server, caCert, tlsCert, tlsKey)
	if err != nil {
		return nil, err
	}
	p.clients[server] = c
	return c, nil
}

// NewClient creates a single join-server HTTP client, optionally with
// mutual-TLS credentials (CA cert, client cert, client key, all PEM).
func NewClient(server string, caCert, tlsCert, tlsKey []byte) (Client, error) {
	httpClient := &http.Client{Timeout: 5 * time.Second}

	if len(tlsCert) != 0 || len(tlsKey) != 0 || len(caCert) != 0 {
		cert, err := tls.X509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, errors.Wrap(err, "load x509 keypair error")
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("append ca cert to pool error")
		}

		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      caCertPool,
			},
		}
		log.WithField("server", server).Info("creating join-server client")
	} else {
		log.WithField("server", server).Warning("creating insecure join-server client")
	}

	return &client{server: server, httpClient: httpClient}, nil
}

type client struct {
	server     string
	httpClient *http.Client
}

// JoinRequest posts a JoinReqPayload to the join-server and decodes the
// JoinAnsPayload response, per the Backend Interfaces 1.0 HTTP binding.
func (c *client) JoinRequest(ctx context.Context, pl backend.JoinReqPayload) (backend.JoinAnsPayload, error) {
	var ans backend.JoinAnsPayload
	err := c.request(ctx, pl, &ans)
	return ans, err
}

// HomeNSReq asks the join-server which NetID is home to a DevEUI, used to
// start a passive-roaming join for a device this network server has no
// local record for.
func (c *client) HomeNSReq(ctx context.Context, pl backend.HomeNSReqPayload) (backend.HomeNSAnsPayload, error) {
	var ans backend.HomeNSAnsPayload
	err := c.request(ctx, pl, &ans)
	return ans, err
}

func (c *client) request(ctx context.Context, pl, ans interface{}) error {
	b, err := json.Marshal(pl)
	if err != nil {
		return errors.Wrap(err, "marshal request error")
	}

	req, err := http.NewRequest("POST", c.server, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new http request error")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request error")
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body error")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jsclient: unexpected http status: %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, ans); err != nil {
		return errors.Wrap(err, "unmarshal response error")
	}

	return nil
}
