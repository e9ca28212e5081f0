// Package hostip resolves the addresses advertised in session responses: the
// machine's own IP and, on EC2, the instance public IP from the metadata
// service. Detection runs once at startup and the result is cached for the
// process lifetime.
package hostip

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/rs/zerolog/log"
)

const (
	metadataEndpoint = "169.254.169.254:80"
	metadataProbe    = 1 * time.Second
	metadataTimeout  = 5 * time.Second
)

// Info holds the resolved host addresses.
type Info struct {
	MachineIP string
	PublicIP  string
	OnAWS     bool
}

// Detect resolves the machine IP and, when running on EC2, the public IP.
// PublicIP falls back to MachineIP so callers can always advertise it.
func Detect(ctx context.Context) Info {
	info := Info{MachineIP: machineIP()}
	info.PublicIP = info.MachineIP

	info.OnAWS = onAWS()
	if !info.OnAWS {
		log.Debug().Str("machine_ip", info.MachineIP).Msg("Not on EC2, advertising machine IP")
		return info
	}

	public, err := publicIPFromIMDS(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch public IP from instance metadata, advertising machine IP")
		return info
	}

	info.PublicIP = public
	log.Info().
		Str("machine_ip", info.MachineIP).
		Str("public_ip", info.PublicIP).
		Msg("Resolved EC2 public IP")
	return info
}

// machineIP finds the primary outbound interface address. The UDP dial never
// sends a packet; it only forces route selection.
func machineIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	if hostname, err := os.Hostname(); err == nil {
		if addrs, err := net.LookupHost(hostname); err == nil && len(addrs) > 0 {
			return addrs[0]
		}
	}
	return "127.0.0.1"
}

// onAWS probes the metadata endpoint with a short TCP connect. Off EC2 the
// link-local address is unroutable and the dial fails fast.
func onAWS() bool {
	conn, err := net.DialTimeout("tcp", metadataEndpoint, metadataProbe)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func publicIPFromIMDS(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	client := imds.New(imds.Options{})
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "public-ipv4"})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()

	data, err := io.ReadAll(io.LimitReader(out.Content, 64))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
