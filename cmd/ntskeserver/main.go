// ntskeserver runs a standalone NTS Key Establishment server. It is
// mostly useful for exercising the KE path; cookies it issues can
// only be opened by an NTP server sharing its key ring, which is what
// the combined ntpserver binary does.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ddrown/chrony-nts/ntske"
)

var rootCmd = &cobra.Command{
	Use:          "ntskeserver",
	Short:        "NTS key establishment server",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "path to configuration file")
	rootCmd.Flags().String("cert", "server.crt", "server certificate file (PEM)")
	rootCmd.Flags().String("key", "server.key", "server private key file (PEM)")
	rootCmd.Flags().Uint16("port", ntske.DefaultPort, "NTS-KE listening port")
	rootCmd.Flags().Uint16("ntp-port", ntske.NTPPort, "NTP port advertised to clients")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")

	for _, name := range []string{"cert", "key", "port", "ntp-port", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}

	log, err := newLogger(viper.GetBool("debug"))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ring, err := ntske.NewKeyRing(log)
	if err != nil {
		return err
	}

	srv, err := ntske.NewServer(ntske.ServerConfig{
		CertFile: viper.GetString("cert"),
		KeyFile:  viper.GetString("key"),
		Port:     uint16(viper.GetUint("port")),
		NTPPort:  uint16(viper.GetUint("ntp-port")),
	}, ring, log)
	if err != nil {
		return err
	}

	if err := srv.Listen(); err != nil {
		return err
	}
	log.Info("NTS-KE server listening", zap.Any("addr", srv.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ring.RunRotation(ctx)
	srv.Serve(ctx)

	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
