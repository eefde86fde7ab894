package terminal

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/http"

	"github.com/goccy/go-json"

	"attendsync/internal/model"
)

// CheckConnection probes the terminal with a short timeout. The first
// successful probe also tries to obtain a session token; failing to get
// one is not an error.
func (c *Client) CheckConnection(ctx context.Context) error {
	_, err := c.do(ctx, "check_connection", request{
		method:  http.MethodGet,
		path:    pathDeviceInfo,
		timeout: c.opts.ProbeTimeout,
	})
	if err != nil {
		return err
	}
	c.ensureToken(ctx)
	return nil
}

func (c *Client) ensureToken(ctx context.Context) {
	c.mu.Lock()
	if c.tokenTried || c.closed {
		c.mu.Unlock()
		return
	}
	c.tokenTried = true
	c.mu.Unlock()

	tok, err := c.fetchToken(ctx)
	if err != nil {
		c.logger.Debug("session token unavailable", "err", err)
		return
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := jsonRequest(http.MethodGet, pathToken, nil)
	if err != nil {
		return "", err
	}
	req.timeout = c.opts.ProbeTimeout
	resp, err := c.do(ctx, "token", req)
	if err != nil {
		return "", err
	}
	var out struct {
		Token struct {
			Value string `json:"value"`
		} `json:"Token"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", newError("token", KindProtocol, resp.status, err)
	}
	if out.Token.Value == "" {
		return "", newError("token", KindProtocol, resp.status, errEmptyField("Token.value"))
	}
	return out.Token.Value, nil
}

type deviceInfoXML struct {
	XMLName         xml.Name `xml:"DeviceInfo"`
	DeviceName      string   `xml:"deviceName"`
	Model           string   `xml:"model"`
	SerialNumber    string   `xml:"serialNumber"`
	FirmwareVersion string   `xml:"firmwareVersion"`
	MACAddress      string   `xml:"macAddress"`
}

// GetDeviceInfo is best-effort: any failure yields Available=false.
func (c *Client) GetDeviceInfo(ctx context.Context) model.DeviceInfo {
	resp, err := c.do(ctx, "device_info", request{
		method:  http.MethodGet,
		path:    pathDeviceInfo,
		timeout: c.opts.ProbeTimeout,
	})
	if err != nil {
		c.logger.Debug("device info unavailable", "err", err)
		return model.DeviceInfo{}
	}
	var info deviceInfoXML
	if err := decodeXML(resp.body, &info); err != nil {
		c.logger.Debug("device info unparseable", "err", err)
		return model.DeviceInfo{}
	}
	return model.DeviceInfo{
		Available:       true,
		Name:            info.DeviceName,
		Model:           info.Model,
		SerialNumber:    info.SerialNumber,
		FirmwareVersion: info.FirmwareVersion,
		MACAddress:      info.MACAddress,
	}
}

func decodeXML(data []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	return dec.Decode(v)
}

type errEmptyField string

func (e errEmptyField) Error() string { return "missing field " + string(e) }
