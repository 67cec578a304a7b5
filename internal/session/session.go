// Package session holds the cloud session state shared by the converters
// and the sync layer: app identity, installation UUID, the signed-in
// account and the last known server time.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Roles understood by the remote platform.
const (
	RolePatient  = "patient"
	RoleGuardian = "guardian"
)

// Session is safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	appName          string
	appVersion       string
	installationUUID string
	isClinical       bool
	studyHashKey     string

	federationID    string
	username        string
	emailID         string
	role            string
	activeProfileID string

	accessToken      string
	serverTime       *time.Time
	serverTimeOffset *int
}

// Options seeds a new Session.
type Options struct {
	AppName          string
	AppVersion       string
	InstallationUUID string
	Clinical         bool
	StudyHashKey     string
	Role             string
	EmailID          string
}

// New creates a session. A missing installation UUID is generated.
func New(opts Options) *Session {
	id := opts.InstallationUUID
	if id == "" {
		id = uuid.New().String()
	}
	role := opts.Role
	if role == "" {
		role = RolePatient
	}
	return &Session{
		appName:          opts.AppName,
		appVersion:       opts.AppVersion,
		installationUUID: id,
		isClinical:       opts.Clinical,
		studyHashKey:     opts.StudyHashKey,
		role:             role,
		emailID:          opts.EmailID,
	}
}

func (s *Session) AppName() string          { return s.read(func() string { return s.appName }) }
func (s *Session) AppVersion() string       { return s.read(func() string { return s.appVersion }) }
func (s *Session) InstallationUUID() string { return s.read(func() string { return s.installationUUID }) }
func (s *Session) StudyHashKey() string     { return s.read(func() string { return s.studyHashKey }) }
func (s *Session) FederationID() string     { return s.read(func() string { return s.federationID }) }
func (s *Session) Username() string         { return s.read(func() string { return s.username }) }
func (s *Session) EmailID() string          { return s.read(func() string { return s.emailID }) }
func (s *Session) Role() string             { return s.read(func() string { return s.role }) }
func (s *Session) ActiveProfileID() string  { return s.read(func() string { return s.activeProfileID }) }
func (s *Session) AccessToken() string      { return s.read(func() string { return s.accessToken }) }

func (s *Session) IsClinical() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isClinical
}

// IsGuardian reports whether requests are made on behalf of a dependent.
func (s *Session) IsGuardian() bool {
	return s.Role() == RoleGuardian
}

func (s *Session) read(f func() string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return f()
}

// SetAccount records the signed-in account.
func (s *Session) SetAccount(federationID, username, emailID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.federationID = federationID
	s.username = username
	if emailID != "" {
		s.emailID = emailID
	}
}

// SetRole switches between patient and guardian mode.
func (s *Session) SetRole(role string) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// SetActiveProfile selects the profile data is synced for.
func (s *Session) SetActiveProfile(profileID string) {
	s.mu.Lock()
	s.activeProfileID = profileID
	s.mu.Unlock()
}

// SetAccessToken stores the bearer token and, when it is a JWT, adopts the
// account identity carried in its claims.
func (s *Session) SetAccessToken(token string) error {
	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	claims, err := ParseClaims(token)
	if err != nil {
		return err
	}
	s.SetAccount(claims.FederationID, claims.Username, claims.Email)
	return nil
}

// SetServerTime records the server clock and its offset from the local clock in seconds.
func (s *Session) SetServerTime(serverTime time.Time, local time.Time) {
	offset := int(serverTime.Sub(local) / time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := serverTime
	s.serverTime = &st
	s.serverTimeOffset = &offset
}

// ServerTime returns the last fetched server time, if any.
func (s *Session) ServerTime() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverTime == nil {
		return nil
	}
	t := *s.serverTime
	return &t
}

// ServerTimeOffset returns the server clock offset in seconds, if known.
func (s *Session) ServerTimeOffset() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.serverTimeOffset == nil {
		return nil
	}
	o := *s.serverTimeOffset
	return &o
}
