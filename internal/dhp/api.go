package dhp

import (
	"fmt"
	"net/http"
)

const apiRoot = "/dhp/api/v2/"

// API is one entry of the platform API catalogue.
type API struct {
	ID     int
	Path   string
	Method string
	// Wrap sends the payload under its object name.
	Wrap bool
}

// MessageID is "M" followed by the zero-padded API number.
func (a API) MessageID() string {
	return fmt.Sprintf("M%03d", a.ID)
}

// URI is the request path relative to the platform base URL.
func (a API) URI() string {
	return apiRoot + a.Path
}

var (
	APIDataSynchronization = API{ID: 11, Path: "patients/dataSynchronization", Method: http.MethodPost, Wrap: true}
	APIRetrieval           = API{ID: 13, Path: "patients/retrieval", Method: http.MethodPost}
	APIGetServerTime       = API{ID: 16, Path: "getServerTime", Method: http.MethodPost}
	APIPrescriptionList    = API{ID: 35, Path: "patients/medicationOrder/getList", Method: http.MethodPost}
	APIDeviceList          = API{ID: 36, Path: "patients/medicalDevice/getList", Method: http.MethodPost}
)

// Request is one call against the platform.
type Request struct {
	API API
	// ObjectName is the wrapping key when API.Wrap is set.
	ObjectName string
	Payload    any
}

// Body returns the JSON body to send.
func (r *Request) Body() any {
	if r.API.Wrap && r.ObjectName != "" {
		return map[string]any{r.ObjectName: r.Payload}
	}
	return r.Payload
}

// Result is the raw outcome of a transport call.
type Result struct {
	StatusCode int
	Body       []byte
}

// Callback receives the outcome of a request: success, a message and the
// raw JSON body (nil on transport failure).
type Callback func(success bool, message string, body []byte)

// UploadPayload is the body of a data synchronization call.
type UploadPayload struct {
	InvokingExternalEntityID string   `json:"invokingExternalEntityID"`
	InvokingRole             string   `json:"invokingRole"`
	PatientExternalEntityID  string   `json:"patientExternalEntityID,omitempty"`
	APIExecutionMode         string   `json:"apiExecutionMode"`
	Objects                  []Object `json:"objects"`
	PatientStudyHashKey      string   `json:"patientStudyHashKey,omitempty"`
}

// RetrievalPayload is the body of a data retrieval call.
type RetrievalPayload struct {
	MessageID                string `json:"messageID"`
	AppName                  string `json:"appName"`
	AppVersionNumber         string `json:"appVersionNumber"`
	UUID                     string `json:"UUID"`
	InhalerSynchTimeGMT      string `json:"inhalerSynchTime_GMT"`
	NonInhalerSynchTimeGMT   string `json:"nonInhalerSynchTime_GMT"`
	InvokingExternalEntityID string `json:"invokingExternalEntityID"`
	InvokingRole             string `json:"invokingRole"`
	PatientExternalEntityID  string `json:"patientExternalEntityID,omitempty"`
	Username                 string `json:"username,omitempty"`
	RetrievalType            string `json:"retrievalType"`
	APIExecutionMode         string `json:"apiExecutionMode"`
}

// ListPayload is the body of the prescription and device list calls.
type ListPayload struct {
	MessageID                string `json:"messageID"`
	AppName                  string `json:"appName"`
	AppVersionNumber         string `json:"appVersionNumber"`
	UUID                     string `json:"UUID"`
	InvokingExternalEntityID string `json:"invokingExternalEntityID"`
	InvokingRole             string `json:"invokingRole"`
	PatientExternalEntityID  string `json:"patientExternalEntityID,omitempty"`
	APIExecutionMode         string `json:"apiExecutionMode"`
}

// ServerTimePayload is the body of the server time call.
type ServerTimePayload struct {
	MessageID        string `json:"messageID"`
	AppName          string `json:"appName"`
	AppVersionNumber string `json:"appVersionNumber"`
	UUID             string `json:"UUID"`
}
