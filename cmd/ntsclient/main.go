// ntsclient performs an NTS key exchange and one authenticated NTP
// query, printing the secured network time next to the plain NTP time
// from the same host for comparison.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/beevik/ntp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ddrown/chrony-nts/nts"
)

var rootCmd = &cobra.Command{
	Use:          "ntsclient",
	Short:        "query network time secured with NTS",
	SilenceUsage: true,
	RunE:         run,
}

var (
	addr         string
	caFile       string
	dontValidate bool
	debug        bool
)

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "localhost:4460", "NTS-KE server address:port")
	rootCmd.Flags().StringVar(&caFile, "cafile", "", "authority certificates file")
	rootCmd.Flags().BoolVar(&dontValidate, "dontvalidate", false, "don't validate certs")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	log := zap.NewNop()
	if debug {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
	}

	certPool, err := loadCertPool(caFile)
	if err != nil {
		return err
	}

	config := &tls.Config{RootCAs: certPool}
	if dontValidate {
		config.InsecureSkipVerify = true
	}

	client := nts.NewClient(addr, config, log)

	if err := client.PrepareForAuth(); err != nil {
		return fmt.Errorf("key exchange with %s failed: %w", addr, err)
	}

	hdr, err := client.Query()
	if err != nil {
		return fmt.Errorf("authenticated NTP query failed: %w", err)
	}

	fmt.Printf("Authenticated network time: %v (stratum %d)\n",
		hdr.TransmitTime.Time(), hdr.Stratum)

	host, _ := client.NtpAddress()
	if ntpTime, err := ntp.Time(host); err == nil {
		fmt.Printf("Plain NTP time from %s: %v\n", host, ntpTime)
	}

	return nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.SystemCertPool()
	}

	certs, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", caFile, err)
	}

	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("no certs found in %s", caFile)
	}

	return certPool, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
