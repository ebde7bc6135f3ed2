package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/huddle/internal/auth"
	"github.com/petervdpas/huddle/internal/proto"
)

type signUpRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	PhotoURL string `json:"photo_url"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB == nil {
		httpError(w, http.StatusServiceUnavailable, "accounts require a database")
		return
	}
	var req signUpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	if !strings.Contains(req.Email, "@") {
		httpError(w, http.StatusBadRequest, "valid email required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		httpError(w, http.StatusBadRequest, "name required")
		return
	}
	hash, err := s.opts.Hasher.Hash(req.Password)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := s.opts.DB.CreateAccount(req.Email, req.Name, req.PhotoURL, hash)
	if errors.Is(err, ErrEmailTaken) {
		httpError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Errorf("signup: %v", err)
		httpError(w, http.StatusInternalServerError, "database error")
		return
	}
	log.Infof("account created: %s (%s)", acct.Email, acct.UID)
	s.writeIdentity(w, http.StatusCreated, acct)
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if s.opts.DB == nil {
		httpError(w, http.StatusServiceUnavailable, "accounts require a database")
		return
	}
	var req signInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	acct, err := s.opts.DB.AccountByEmail(req.Email)
	if errors.Is(err, ErrAccountNotFound) {
		httpError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		log.Errorf("signin: %v", err)
		httpError(w, http.StatusInternalServerError, "database error")
		return
	}
	if err := s.opts.Hasher.Check(acct.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, auth.ErrWrongPassword) {
			log.Warnf("signin %s: %v", acct.Email, err)
		}
		httpError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	s.writeIdentity(w, http.StatusOK, acct)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	id := proto.Identity{UID: c.UID(), Name: c.Name, Email: c.Email}
	if s.opts.DB != nil {
		if acct, err := s.opts.DB.AccountByUID(c.UID()); err == nil {
			id.PhotoURL = acct.PhotoURL
		}
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) writeIdentity(w http.ResponseWriter, status int, acct Account) {
	tok, err := s.opts.Tokens.Generate(acct.UID, acct.Name, acct.Email)
	if err != nil {
		log.Errorf("token: %v", err)
		httpError(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, status, proto.Identity{
		UID:      acct.UID,
		Name:     acct.Name,
		Email:    acct.Email,
		PhotoURL: acct.PhotoURL,
		Token:    tok,
	})
}
