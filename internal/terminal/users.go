package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	userPageSize  = 30
	faceLibType   = "blackFD"
	faceLibraryID = "1"
)

type User struct {
	EmployeeNo string    `json:"employeeNo"`
	Name       string    `json:"name"`
	UserType   string    `json:"userType,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Valid      *Validity `json:"Valid,omitempty"`
	NumOfFace  int       `json:"numOfFace,omitempty"`
	NumOfCard  int       `json:"numOfCard,omitempty"`
}

type Validity struct {
	Enable    bool   `json:"enable"`
	BeginTime string `json:"beginTime"`
	EndTime   string `json:"endTime"`
}

type userSearchResponse struct {
	UserInfoSearch struct {
		SearchID           string `json:"searchID"`
		ResponseStatusStrg string `json:"responseStatusStrg"`
		NumOfMatches       int    `json:"numOfMatches"`
		TotalMatches       int    `json:"totalMatches"`
		UserInfo           []User `json:"UserInfo"`
	} `json:"UserInfoSearch"`
}

// ListUsers pages through the terminal's user table. A permission error
// is returned as a *Error of KindPermission so the caller can degrade;
// a transport failure yields an empty list together with the error.
func (c *Client) ListUsers(ctx context.Context, maxResults int) ([]User, error) {
	if maxResults <= 0 {
		maxResults = userPageSize
	}
	searchID := uuid.NewString()
	users := make([]User, 0)
	for position := 0; len(users) < maxResults; {
		page := min(userPageSize, maxResults-len(users))
		req, err := jsonRequest(http.MethodPost, pathUserSearch, map[string]any{
			"UserInfoSearchCond": map[string]any{
				"searchID":             searchID,
				"searchResultPosition": position,
				"maxResults":           page,
			},
		})
		if err != nil {
			return nil, newError("list_users", KindData, 0, err)
		}
		req.timeout = c.opts.BulkTimeout
		resp, err := c.do(ctx, "list_users", req)
		if err != nil {
			switch KindOf(err) {
			case KindForbidden, KindPermission:
				return nil, newError("list_users", KindPermission, statusOf(err), errors.Unwrap(err))
			case KindAuth, KindProtocol, KindNotFound:
				return nil, err
			}
			return []User{}, err
		}
		var out userSearchResponse
		if err := json.Unmarshal(resp.body, &out); err != nil {
			return nil, newError("list_users", KindProtocol, resp.status, err)
		}
		search := out.UserInfoSearch
		users = append(users, search.UserInfo...)
		if !strings.EqualFold(search.ResponseStatusStrg, "MORE") || search.NumOfMatches == 0 {
			break
		}
		position += search.NumOfMatches
	}
	if len(users) > maxResults {
		users = users[:maxResults]
	}
	return users, nil
}

func statusOf(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

// CreateUser adds a normal user with an open validity window and the
// default door right.
func (c *Client) CreateUser(ctx context.Context, u User) ActionResult {
	if strings.TrimSpace(u.EmployeeNo) == "" {
		return failed(newError("create_user", KindData, 0, errEmptyField("employeeNo")))
	}
	if u.UserType == "" {
		u.UserType = "normal"
	}
	if u.Valid == nil {
		u.Valid = &Validity{Enable: true, BeginTime: "2000-01-01T00:00:00", EndTime: "2037-12-31T23:59:59"}
	}
	req, err := jsonRequest(http.MethodPost, pathUserRecord, map[string]any{
		"UserInfo": map[string]any{
			"employeeNo": u.EmployeeNo,
			"name":       u.Name,
			"userType":   u.UserType,
			"gender":     u.Gender,
			"Valid":      u.Valid,
			"doorRight":  "1",
			"RightPlan":  []map[string]any{{"doorNo": 1, "planTemplateNo": "1"}},
		},
	})
	if err != nil {
		return failed(newError("create_user", KindData, 0, err))
	}
	req.timeout = c.opts.RequestTimeout
	return c.action(ctx, "create_user", req, fmt.Sprintf("user %s created", u.EmployeeNo))
}

// UploadFacePhoto stores photo as the face picture of employeeNo. The
// photo is treated as an opaque JPEG.
func (c *Client) UploadFacePhoto(ctx context.Context, employeeNo string, photo []byte) ActionResult {
	if strings.TrimSpace(employeeNo) == "" {
		return failed(newError("upload_face", KindData, 0, errEmptyField("employeeNo")))
	}
	if len(photo) == 0 {
		return failed(newError("upload_face", KindData, 0, errEmptyField("photo")))
	}
	meta, err := json.Marshal(map[string]any{
		"faceLibType": faceLibType,
		"FDID":        faceLibraryID,
		"FPID":        employeeNo,
	})
	if err != nil {
		return failed(newError("upload_face", KindData, 0, err))
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writePart(mw, "FaceDataRecord", "", "application/json", meta); err != nil {
		return failed(newError("upload_face", KindData, 0, err))
	}
	if err := writePart(mw, "img", employeeNo+".jpg", "image/jpeg", photo); err != nil {
		return failed(newError("upload_face", KindData, 0, err))
	}
	if err := mw.Close(); err != nil {
		return failed(newError("upload_face", KindData, 0, err))
	}
	req := request{
		method:      http.MethodPost,
		path:        pathFaceRecord,
		query:       url.Values{"format": {"json"}},
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
		timeout:     c.opts.BulkTimeout,
	}
	return c.action(ctx, "upload_face", req, fmt.Sprintf("face uploaded for %s", employeeNo))
}

func writePart(mw *multipart.Writer, name, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	disposition := fmt.Sprintf(`form-data; name=%q`, name)
	if filename != "" {
		disposition += fmt.Sprintf(`; filename=%q`, filename)
	}
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// LinkFaceToUser points the terminal at a face picture it downloads itself.
func (c *Client) LinkFaceToUser(ctx context.Context, employeeNo, faceURL string) ActionResult {
	if strings.TrimSpace(employeeNo) == "" || strings.TrimSpace(faceURL) == "" {
		return failed(newError("link_face", KindData, 0, errEmptyField("employeeNo/faceURL")))
	}
	req, err := jsonRequest(http.MethodPost, pathFaceRecord, map[string]any{
		"faceURL":     faceURL,
		"faceLibType": faceLibType,
		"FDID":        faceLibraryID,
		"FPID":        employeeNo,
	})
	if err != nil {
		return failed(newError("link_face", KindData, 0, err))
	}
	req.timeout = c.opts.RequestTimeout
	return c.action(ctx, "link_face", req, fmt.Sprintf("face linked for %s", employeeNo))
}

// DownloadFacePhoto looks up the stored face record and fetches the
// picture bytes it points at.
func (c *Client) DownloadFacePhoto(ctx context.Context, employeeNo string) ([]byte, error) {
	req, err := jsonRequest(http.MethodPost, pathFaceSearch, map[string]any{
		"searchResultPosition": 0,
		"maxResults":           1,
		"faceLibType":          faceLibType,
		"FDID":                 faceLibraryID,
		"FPID":                 employeeNo,
	})
	if err != nil {
		return nil, newError("download_face", KindData, 0, err)
	}
	req.timeout = c.opts.RequestTimeout
	resp, err := c.do(ctx, "download_face", req)
	if err != nil {
		return nil, err
	}
	var out struct {
		MatchList []struct {
			FPID    string `json:"FPID"`
			FaceURL string `json:"faceURL"`
		} `json:"MatchList"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, newError("download_face", KindProtocol, resp.status, err)
	}
	if len(out.MatchList) == 0 || out.MatchList[0].FaceURL == "" {
		return nil, newError("download_face", KindNotFound, resp.status, fmt.Errorf("no face for %s", employeeNo))
	}
	picture, err := url.Parse(out.MatchList[0].FaceURL)
	if err != nil {
		return nil, newError("download_face", KindProtocol, resp.status, err)
	}
	img, err := c.do(ctx, "download_face", request{
		method:  http.MethodGet,
		path:    picture.Path,
		query:   picture.Query(),
		timeout: c.opts.BulkTimeout,
	})
	if err != nil {
		return nil, err
	}
	return img.body, nil
}

// Reboot asks the terminal to restart. The stream drops shortly after.
func (c *Client) Reboot(ctx context.Context) ActionResult {
	return c.action(ctx, "reboot", request{
		method:  http.MethodPut,
		path:    pathReboot,
		timeout: c.opts.RequestTimeout,
	}, "reboot requested")
}

func (c *Client) action(ctx context.Context, op string, req request, okMessage string) ActionResult {
	resp, err := c.do(ctx, op, req)
	if err != nil {
		c.logger.Warn("terminal action failed", "op", op, "err", err)
		return failed(err)
	}
	if err := checkStatus(op, resp); err != nil {
		c.logger.Warn("terminal action rejected", "op", op, "err", err)
		return failed(err)
	}
	return succeeded(okMessage)
}
