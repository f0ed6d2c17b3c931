package payment

import qrcode "github.com/skip2/go-qrcode"

// QRPNG renders the redirect URL as a PNG for chat transports that can show
// images but not clickable links.
func QRPNG(payURL string) ([]byte, error) {
	return qrcode.Encode(payURL, qrcode.Medium, 256)
}
