// ntpserver serves NTS-protected NTP over UDP, with the NTS-KE
// server built in so both share one cookie key ring.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ddrown/chrony-nts/nts"
	"github.com/ddrown/chrony-nts/ntske"
)

var rootCmd = &cobra.Command{
	Use:          "ntpserver",
	Short:        "NTS-protected NTP server with built-in key establishment",
	SilenceUsage: true,
	RunE:         run,
}

var (
	certFile string
	keyFile  string
	kePort   uint16
	ntpAddr  string
	ntpPort  uint16
	debug    bool
)

func init() {
	rootCmd.Flags().StringVar(&certFile, "cert", "server.crt", "server certificate file (PEM)")
	rootCmd.Flags().StringVar(&keyFile, "key", "server.key", "server private key file (PEM)")
	rootCmd.Flags().Uint16Var(&kePort, "ke-port", ntske.DefaultPort, "NTS-KE listening port")
	rootCmd.Flags().StringVar(&ntpAddr, "addr", "0.0.0.0", "NTP listening address")
	rootCmd.Flags().Uint16Var(&ntpPort, "port", ntske.NTPPort, "NTP listening port")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ring, err := ntske.NewKeyRing(log)
	if err != nil {
		return err
	}

	keServer, err := ntske.NewServer(ntske.ServerConfig{
		CertFile: certFile,
		KeyFile:  keyFile,
		Port:     kePort,
		NTPPort:  ntpPort,
	}, ring, log)
	if err != nil {
		return err
	}
	if err := keServer.Listen(); err != nil {
		return err
	}

	pc, err := net.ListenPacket("udp", net.JoinHostPort(ntpAddr, strconv.Itoa(int(ntpPort))))
	if err != nil {
		return err
	}
	defer pc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go ring.RunRotation(ctx)
	go keServer.Serve(ctx)
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	log.Info("NTP server listening",
		zap.String("addr", pc.LocalAddr().String()),
		zap.Any("ke_addr", keServer.Addr()))

	serveNTP(pc, nts.NewServer(ring, log), log)

	return nil
}

func serveNTP(pc net.PacketConn, srv *nts.Server, log *zap.Logger) {
	buf := make([]byte, nts.MaxPacketLength)

	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		request := buf[:n]

		recvTime := time.Now()

		info, err := srv.CheckRequestAuth(request)
		if err != nil {
			// Unauthenticated or tampered request: silent drop.
			log.Debug("dropped request", zap.Any("remote", addr), zap.Error(err))
			continue
		}

		reqHdr, err := nts.DecodeHeader(request)
		if err != nil {
			continue
		}

		var hdr nts.Header
		hdr.SetVersion(4)
		hdr.SetMode(nts.ModeServer)
		hdr.Stratum = 1
		hdr.OriginTime = reqHdr.TransmitTime
		hdr.ReceiveTime = nts.ToNTPTime(recvTime)
		hdr.TransmitTime = nts.ToNTPTime(time.Now())
		// Lie that we were just set.
		hdr.ReferenceTime = hdr.TransmitTime

		response, err := srv.GenerateResponseAuth(hdr.Encode(), info)
		if err != nil {
			log.Warn("could not authenticate response", zap.Error(err))
			continue
		}

		if _, err := pc.WriteTo(response, addr); err != nil {
			log.Debug("send failed", zap.Any("remote", addr), zap.Error(err))
		}
	}
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
