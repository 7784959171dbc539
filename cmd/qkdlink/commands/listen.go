package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/session"
)

// listen: accept incoming links and echo every frame back to the peer.
func listenCmd() *cobra.Command {
	var host string
	var port int
	var once bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept incoming links and echo received frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return err
			}

			ln, err := session.ListenWithConfig("tcp", joinHostPort(host, port), cfg)
			if err != nil {
				return err
			}
			defer ln.Close()

			log := metrics.GetLogger().Named("listen")
			log.Info("listening", metrics.Fields{"addr": ln.Addr().String()})

			for {
				link, err := ln.Accept()
				if err != nil {
					if once {
						return err
					}
					log.Warn("handshake failed", metrics.Fields{"error": err.Error()})
					continue
				}
				if once {
					return serve(link, log)
				}
				go func() {
					if err := serve(link, log); err != nil {
						log.Warn("link ended with error", metrics.Fields{"error": err.Error()})
					}
				}()
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind address (all interfaces when empty)")
	cmd.Flags().IntVar(&port, "port", defaultPort, "port to listen on")
	cmd.Flags().BoolVar(&once, "once", false, "serve a single link and exit")
	return cmd
}

func serve(link *session.Link, log *metrics.Logger) error {
	defer link.Close()

	sess := link.Session()
	log.Info("link established", metrics.Fields{
		"peer":   link.RemoteAddr().String(),
		"id":     fingerprint(sess.PeerIdentity()),
		"qber":   sess.QBER(),
		"sifted": sess.SiftedBits(),
	})

	for {
		data, err := link.Receive()
		if err != nil {
			if errors.Is(err, qerrors.ErrSessionClosed) {
				log.Info("link closed", metrics.Fields{"peer": link.RemoteAddr().String()})
				return nil
			}
			return err
		}
		fmt.Printf("recv %d bytes: %s\n", len(data), data)
		if err := link.Send(data); err != nil {
			return err
		}
	}
}

// fingerprint renders a short identifier for a peer verification key.
func fingerprint(identity []byte) string {
	if len(identity) == 0 {
		return "unknown"
	}
	sum := sha256.Sum256(identity)
	return hex.EncodeToString(sum[:8])
}
