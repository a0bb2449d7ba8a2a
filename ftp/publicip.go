package ftp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
)

// PublicIpUrl is the url to get the public ip of the server
const PublicIpUrl = "https://api.ipify.org"

// GetServerPublicIP asks url (PublicIpUrl when empty) for the address clients
// see this host as. It is advertised in PASV replies when the server sits behind NAT.
func GetServerPublicIP(ctx context.Context, url string) (netip.Addr, error) {
	if url == "" {
		url = PublicIpUrl
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error building public ip request: %w", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error getting public ip: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("error getting public ip: %s", res.Status)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 64))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error reading public ip: %w", err)
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error parsing public ip: %w", err)
	}
	return ip, nil
}
