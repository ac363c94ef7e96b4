package utils

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
	"sequencer/models"
)

// DialIMAP connects to the sender's inbox server. SSL and TLS mean implicit
// TLS, STARTTLS upgrades a plain connection.
func DialIMAP(sender *models.Sender, timeout time.Duration) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	tlsConfig := &tls.Config{ServerName: sender.IMAPHost}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			if err = c.StartTLS(tlsConfig); err != nil {
				c.Logout()
			}
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}
