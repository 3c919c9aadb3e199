package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/server/directory"
)

type registerUserRequest struct {
	Username   string `json:"username"`
	KeyPackage []byte `json:"key_package"`
}

// handleRegisterUser implements POST /users (spec.md §6.1, §4.6 step 3).
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req registerUserRequest
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.Username == "" || len(req.KeyPackage) == 0 {
		writeErr(w, http.StatusBadRequest, "username and key_package required")
		return
	}

	err := s.directory.Register(r.Context(), domain.Username(req.Username), req.KeyPackage, credentialHashOf(req.KeyPackage), time.Now())
	if err != nil {
		if err == directory.ErrAlreadyRegistered {
			writeErr(w, http.StatusConflict, "username already registered")
			return
		}
		writeErr(w, http.StatusInternalServerError, "registration failed")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type fetchUserResponse struct {
	Username   string `json:"username"`
	KeyPackage []byte `json:"key_package"`
}

// handleFetchUser implements GET /users/{username}.
func (s *Server) handleFetchUser(w http.ResponseWriter, r *http.Request) {
	username := domain.Username(r.PathValue("username"))
	if username == "" {
		writeErr(w, http.StatusBadRequest, "username required")
		return
	}
	pkg, found, err := s.directory.Published(r.Context(), username)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, fetchUserResponse{Username: username.String(), KeyPackage: pkg.PublicBytes})
}

type uploadKeyPackagesRequest struct {
	Username    string   `json:"username"`
	KeyPackages [][]byte `json:"keypackages"`
}

// handleUpload implements POST /keypackages/upload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req uploadKeyPackagesRequest
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.Username == "" {
		writeErr(w, http.StatusBadRequest, "username required")
		return
	}

	now := time.Now()
	pkgs := make([]domain.PublicKeyPackage, 0, len(req.KeyPackages))
	for _, raw := range req.KeyPackages {
		sum := credentialHashOf(raw)
		pkgs = append(pkgs, domain.PublicKeyPackage{
			Ref:            domain.KeyPackageRef(sum),
			Username:       domain.Username(req.Username),
			PublicBytes:    raw,
			NotBefore:      now,
			NotAfter:       now.Add(defaultKeyPackageLifetime),
			CredentialHash: sum,
			Ciphersuite:    domain.DefaultCiphersuite,
		})
	}
	if err := s.registry.Upload(r.Context(), pkgs, now); err != nil {
		if domain.IsKind(err, domain.KindKeyPackageInvalid) {
			writeErr(w, http.StatusBadRequest, "keypackage already expired")
			return
		}
		writeErr(w, http.StatusInternalServerError, "upload failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// defaultKeyPackageLifetime is used only when the upload request carries
// raw bytes without the client's own ref/lifetime framing (the wire
// contract of §6.1 upload is bytes-only, unlike the richer
// domain.PublicKeyPackage the client holds internally).
const defaultKeyPackageLifetime = 30 * 24 * time.Hour

type reserveKeyPackageRequest struct {
	TargetUsername string `json:"target_username"`
	GroupID        []byte `json:"group_id"`
	CallerUsername string `json:"caller_username"`
}

type reserveKeyPackageResponse struct {
	KeyPackageRef []byte    `json:"keypackage_ref"`
	PublicBytes   []byte    `json:"public_bytes"`
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// handleReserve implements POST /keypackages/reserve.
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req reserveKeyPackageRequest
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.TargetUsername == "" || req.CallerUsername == "" {
		writeErr(w, http.StatusBadRequest, "target_username and caller_username required")
		return
	}

	reserved, err := s.registry.Reserve(r.Context(), domain.Username(req.TargetUsername), domain.GroupID(req.GroupID), domain.Username(req.CallerUsername), time.Now())
	if err != nil {
		if domain.IsKind(err, domain.KindPoolExhausted) {
			writeErr(w, http.StatusConflict, "pool exhausted")
			return
		}
		writeErr(w, http.StatusInternalServerError, "reserve failed")
		return
	}
	writeJSON(w, http.StatusOK, reserveKeyPackageResponse{
		KeyPackageRef: []byte(reserved.KeyPackageRef),
		PublicBytes:   reserved.PublicBytes,
		ReservationID: reserved.ReservationID.String(),
		ExpiresAt:     reserved.ExpiresAt,
	})
}

type spendKeyPackageRequest struct {
	KeyPackageRef  []byte `json:"keypackage_ref"`
	ReservationID  string `json:"reservation_id"`
	GroupID        []byte `json:"group_id"`
	CallerUsername string `json:"caller_username"`
}

// handleSpend implements POST /keypackages/spend.
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req spendKeyPackageRequest
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}

	err := s.registry.Spend(r.Context(),
		domain.KeyPackageRef(req.KeyPackageRef), domain.ReservationID(req.ReservationID),
		domain.GroupID(req.GroupID), domain.Username(req.CallerUsername), time.Now())
	if err != nil {
		if domain.IsKind(err, domain.KindDoubleSpend) || domain.IsKind(err, domain.KindReservationExp) {
			writeErr(w, http.StatusConflict, "double spend or reservation expired")
			return
		}
		writeErr(w, http.StatusInternalServerError, "spend failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyPackageStatusResponse struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Spent     int `json:"spent"`
}

// handleStatus implements GET /keypackages/status/{username}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	username := domain.Username(r.PathValue("username"))
	if username == "" {
		writeErr(w, http.StatusBadRequest, "username required")
		return
	}
	counts, err := s.registry.Status(r.Context(), username)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "status failed")
		return
	}
	writeJSON(w, http.StatusOK, keyPackageStatusResponse{Available: counts.Available, Reserved: counts.Reserved, Spent: counts.Spent})
}
