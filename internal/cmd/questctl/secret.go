package questctl

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const defaultSecretBytes = 32

func (c *cli) secretCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Generate a QUESTGATE_ADMIN_SECRET value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeSecret(c.out, size, nil)
		},
	}
	cmd.Flags().IntVar(&size, "bytes", defaultSecretBytes, "Number of random bytes")
	return cmd
}

// writeSecret writes an env assignment holding size random bytes, hex
// encoded. reader defaults to crypto/rand.
func writeSecret(out io.Writer, size int, reader io.Reader) error {
	if size <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "QUESTGATE_ADMIN_SECRET=%s\n", hex.EncodeToString(buf))
	return err
}
