package gateway

import (
	"context"
	"encoding/base64"

	"github.com/skip2/go-qrcode"

	"moff.io/wallet-gateway/pkg/errors"
)

const qrSize = 256

// QRPublisher stores a rendered QR code somewhere reachable and returns its
// url. aws.Clients implements it on S3.
type QRPublisher interface {
	PublishQRCode(ctx context.Context, userID string, png []byte) (string, error)
}

// renderQR returns the png and its data url.
func renderQR(uri string) ([]byte, string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		return nil, "", errors.Wrap(err, "render qr code")
	}
	return png, "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
