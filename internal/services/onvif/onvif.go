// Package onvif implements a best-effort network probe for ONVIF
// cameras. Hosts in the requested range are checked on the common
// device-service ports and queried for device information without
// credentials; cameras that require auth still show up as candidates,
// just without metadata.
package onvif

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ebudiman/visionary_nvr/internal/domain/models"
)

var devicePorts = []int{80, 443, 5800}

const (
	rtspPort    = 554
	dialTimeout = 2 * time.Second
	maxParallel = 16
)

type Prober struct {
	log    *slog.Logger
	client *http.Client
}

func New(log *slog.Logger) *Prober {
	return &Prober{
		log:    log,
		client: &http.Client{Timeout: dialTimeout},
	}
}

func (p *Prober) Probe(ctx context.Context, ipRange string) ([]models.Candidate, error) {
	const op = "service.onvif.Probe"

	ips, err := expandRange(ipRange)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var (
		mu         sync.Mutex
		candidates []models.Candidate
		wg         sync.WaitGroup
	)

	sem := make(chan struct{}, maxParallel)

	for _, ip := range ips {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			cand, found := p.probeHost(ctx, ip)
			if !found {
				return
			}

			mu.Lock()
			candidates = append(candidates, cand)
			mu.Unlock()
		}(ip)
	}

	wg.Wait()

	return candidates, nil
}

func (p *Prober) probeHost(ctx context.Context, ip string) (models.Candidate, bool) {
	for _, port := range devicePorts {
		if !portOpen(ctx, ip, port) {
			continue
		}

		cand := models.Candidate{
			Address:  ip,
			Metadata: map[string]string{"port": strconv.Itoa(port)},
		}

		if info, err := p.deviceInformation(ctx, ip, port); err == nil {
			if info.Manufacturer != "" {
				cand.Metadata["manufacturer"] = info.Manufacturer
			}
			if info.Model != "" {
				cand.Metadata["model"] = info.Model
			}
		}

		if portOpen(ctx, ip, rtspPort) {
			cand.Metadata["rtsp_url"] = fmt.Sprintf("rtsp://%s:%d/", ip, rtspPort)
		}

		p.log.Debug("found device", slog.String("address", ip), slog.Int("port", port))

		return cand, true
	}

	return models.Candidate{}, false
}

func portOpen(ctx context.Context, ip string, port int) bool {
	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()

	return true
}

const getDeviceInformation = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
  <s:Body>
    <GetDeviceInformation xmlns="http://www.onvif.org/ver10/device/wsdl"/>
  </s:Body>
</s:Envelope>`

type deviceInformation struct {
	Manufacturer string `xml:"Body>GetDeviceInformationResponse>Manufacturer"`
	Model        string `xml:"Body>GetDeviceInformationResponse>Model"`
}

func (p *Prober) deviceInformation(ctx context.Context, ip string, port int) (deviceInformation, error) {
	var info deviceInformation

	scheme := "http"
	if port == 443 {
		scheme = "https"
	}

	url := fmt.Sprintf("%s://%s/onvif/device_service", scheme, net.JoinHostPort(ip, strconv.Itoa(port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(getDeviceInformation)))
	if err != nil {
		return info, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("device service returned %d", resp.StatusCode)
	}

	if err := xml.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, err
	}

	return info, nil
}

// expandRange turns "192.168.1.10-192.168.1.20" or a single address
// into the list of hosts to scan. Ranges may only span the last octet.
func expandRange(ipRange string) ([]string, error) {
	start, end, ok := strings.Cut(ipRange, "-")
	if !ok {
		addr, err := netip.ParseAddr(strings.TrimSpace(ipRange))
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("invalid ip address %q", ipRange)
		}

		return []string{addr.String()}, nil
	}

	from, err := netip.ParseAddr(strings.TrimSpace(start))
	if err != nil || !from.Is4() {
		return nil, fmt.Errorf("invalid range start %q", start)
	}

	to, err := netip.ParseAddr(strings.TrimSpace(end))
	if err != nil || !to.Is4() {
		return nil, fmt.Errorf("invalid range end %q", end)
	}

	f, t := from.As4(), to.As4()
	if f[0] != t[0] || f[1] != t[1] || f[2] != t[2] || f[3] > t[3] {
		return nil, fmt.Errorf("range must stay within the last octet")
	}

	ips := make([]string, 0, int(t[3])-int(f[3])+1)
	for last := f[3]; ; last++ {
		ips = append(ips, netip.AddrFrom4([4]byte{f[0], f[1], f[2], last}).String())
		if last == t[3] {
			break
		}
	}

	return ips, nil
}
