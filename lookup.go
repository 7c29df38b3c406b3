package nsq

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// peerInfo is the per-producer payload nsqlookupd returns from its
// /lookup endpoint
type peerInfo struct {
	BroadcastAddress string `json:"broadcast_address"`
	Address          string `json:"address"` // legacy nsqlookupd
	TCPPort          int    `json:"tcp_port"`
}

// host returns the broadcast_address, falling back to the legacy
// address field
func (p *peerInfo) host() string {
	if p.BroadcastAddress != "" {
		return p.BroadcastAddress
	}
	return p.Address
}

type lookupResp struct {
	Producers []*peerInfo `json:"producers"`
}

// newLookupHTTPClient returns an http.Client with separate connect and
// request timeouts (defaults 1s/2s), shared across all discovery
// queries issued by a Consumer.
func newLookupHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
		Timeout: requestTimeout,
	}
}

// queryLookupd performs GET <addr>/lookup?topic=<topic> and returns the
// set of (host, tcp_port) producers it reports for topic.
func queryLookupd(client *http.Client, addr string, topic string) ([]string, error) {
	endpoint := fmt.Sprintf("http://%s/lookup?topic=%s", addr, url.QueryEscape(topic))

	req, err := http.NewRequest("GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.nsq; version=1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		// topic not yet known to this lookupd; not an error
		return nil, nil
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("lookupd %s responded with %d", addr, resp.StatusCode)
	}

	var v lookupResp
	err = json.NewDecoder(resp.Body).Decode(&v)
	if err != nil {
		return nil, ErrIntegrity{Reason: err.Error()}
	}

	producers := make([]string, 0, len(v.Producers))
	for _, p := range v.Producers {
		host := p.host()
		if host == "" {
			continue
		}
		producers = append(producers, fmt.Sprintf("%s:%d", host, p.TCPPort))
	}
	return producers, nil
}
