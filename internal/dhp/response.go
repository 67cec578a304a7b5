package dhp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned for HTTP 401. The access token must be refreshed.
var ErrUnauthorized = errors.New("dhp: unauthorized")

// Status classifies a platform response.
type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusUnauthorized
	StatusPayloadFailedValidation
	StatusConsentAlreadyOptedIn
	StatusPatientAlreadyRegistered
	StatusWeatherPartiallyProcessed
)

type statusMessage struct {
	status  Status
	message string
}

var responseCodeMappings = map[string]statusMessage{
	"110": {StatusSuccess, "Success with Warning"},
	"113": {StatusPayloadFailedValidation, "Payload failed validation"},
	"117": {StatusConsentAlreadyOptedIn, "Consent has already consented to syncing with the cloud"},
	"129": {StatusPatientAlreadyRegistered, "Patient has already been registered with DHP"},
	"132": {StatusWeatherPartiallyProcessed, "Some weather details could not be retrieved"},
}

// Response is the attribute block every platform response carries.
type Response struct {
	ResponseCode        string            `json:"responseCode"`
	ResponseMessage     string            `json:"responseMessage"`
	ResponseMessageCode string            `json:"responseMessageCode"`
	MessageID           string            `json:"messageID"`
	ProcessingTime      string            `json:"processingTime"`
	ObjectCount         string            `json:"objectCount"`
	ReturnObjects       []json.RawMessage `json:"returnObjects"`
	ErrorDetails        []string          `json:"errorDetails"`
}

// RetrievalResponse adds the watermarks and the more-data flag.
type RetrievalResponse struct {
	Response
	InhalerSynchTimeGMT      string `json:"inhalerSynchTime_GMT"`
	NonInhalerSynchTimeGMT   string `json:"nonInhalerSynchTime_GMT"`
	AdditionalDocumentsExist string `json:"additionalDocumentsExist"`
}

// MoreDataExists reports whether the server holds data beyond this page.
func (r *RetrievalResponse) MoreDataExists() bool {
	return r.AdditionalDocumentsExist == AdditionalDataTrue
}

// ServerTimeResponse carries the platform clock.
type ServerTimeResponse struct {
	Response
	ServerTimeGMT string `json:"serverTime_GMT"`
}

// ParseStatus classifies a transport result the way the platform documents it.
func ParseStatus(res *Result) (Status, string) {
	switch {
	case res == nil:
		return StatusFailure, "Error executing request, no response"
	case res.StatusCode == http.StatusUnauthorized:
		return StatusUnauthorized, fmt.Sprintf("Error executing request, HTTP statusCode = %d", res.StatusCode)
	case res.StatusCode != http.StatusOK:
		return StatusFailure, fmt.Sprintf("Error executing request, HTTP statusCode = %d", res.StatusCode)
	}

	var base Response
	if err := json.Unmarshal(res.Body, &base); err != nil || base.ResponseCode == "" {
		return StatusFailure, "Error executing request, no DHP responseCode"
	}
	if base.ResponseCode == ResponseCodeSuccess {
		return StatusSuccess, ResponseCodeSuccess
	}
	if base.ResponseMessageCode == "" {
		return StatusFailure, "Error executing request, no DHP responseMessageCode"
	}
	if m, ok := responseCodeMappings[base.ResponseMessageCode]; ok {
		return m.status, m.message
	}
	return StatusFailure, fmt.Sprintf("Error executing request, DHP responseMessageCode = %s", base.ResponseMessageCode)
}

// Outcome reduces a status to the callback success flag and message.
func Outcome(status Status, message string) (bool, string) {
	switch status {
	case StatusSuccess:
		return true, ResponseCodeSuccess
	case StatusWeatherPartiallyProcessed:
		return true, message
	}
	return false, message
}

// ParseRetrieval decodes a retrieval response body.
func ParseRetrieval(body []byte) (*RetrievalResponse, error) {
	var r RetrievalResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to parse retrieval response: %w", err)
	}
	return &r, nil
}

// ParseServerTime decodes a server time response body.
func ParseServerTime(body []byte) (*ServerTimeResponse, error) {
	var r ServerTimeResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to parse server time response: %w", err)
	}
	return &r, nil
}

// ParseList decodes the return objects of any response body.
func ParseList(body []byte) ([]Object, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return DecodeObjects(r.ReturnObjects), nil
}

// DecodeObjects dispatches raw return objects on their objectName. Objects
// that are malformed or of a kind this client does not sync are skipped.
func DecodeObjects(raws []json.RawMessage) []Object {
	out := make([]Object, 0, len(raws))
	for _, raw := range raws {
		var probe struct {
			ObjectName string `json:"objectName"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		obj := newObject(probe.ObjectName)
		if obj == nil {
			continue
		}
		if err := json.Unmarshal(raw, obj); err != nil {
			continue
		}
		out = append(out, obj)
	}
	return out
}

func newObject(name string) Object {
	switch name {
	case ObjectPrescription:
		return &PrescriptionMedicationOrder{}
	case ObjectMedicalDeviceInfo:
		return &MedicalDeviceInfo{}
	case ObjectMedicationAdministration:
		return &MedicationAdministration{}
	case ObjectQuestionnaireResponse:
		return &QuestionnaireResponse{}
	case ObjectUserPreferenceSettings:
		return &UserPreferenceSettings{}
	case ObjectProfileInfo:
		return &ProfileInfo{}
	case ObjectConsentInfo:
		return &ConsentInfo{}
	}
	return nil
}
