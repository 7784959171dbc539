package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qshield-labs/qkdlink/pkg/metrics"
	"github.com/qshield-labs/qkdlink/pkg/session"
)

// connect: establish a link, send a message, print the echo.
func connectCmd() *cobra.Command {
	var host string
	var port int
	var message string
	var repeat int

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Establish a link to a listener and send a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig()
			if err != nil {
				return err
			}

			link, err := session.DialWithConfig("tcp", joinHostPort(host, port), cfg)
			if err != nil {
				return err
			}
			defer link.Close()

			sess := link.Session()
			log := metrics.GetLogger().Named("connect")
			log.Info("link established", metrics.Fields{
				"peer":   link.RemoteAddr().String(),
				"id":     fingerprint(sess.PeerIdentity()),
				"qber":   sess.QBER(),
				"sifted": sess.SiftedBits(),
			})

			for i := 0; i < repeat; i++ {
				if err := link.Send([]byte(message)); err != nil {
					return err
				}
				echo, err := link.Receive()
				if err != nil {
					return err
				}
				fmt.Printf("echo %d bytes: %s\n", len(echo), echo)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "listener host")
	cmd.Flags().IntVar(&port, "port", defaultPort, "listener port")
	cmd.Flags().StringVarP(&message, "message", "m", "hello over qkdlink", "message to send")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "number of times to send the message")
	return cmd
}
