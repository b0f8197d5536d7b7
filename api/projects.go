package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/tynkerbase/tynkerbase-agent/crypt"
	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/project"
	"github.com/tynkerbase/tynkerbase-agent/stats"
	"github.com/tynkerbase/tynkerbase-agent/wire"
)

func projectName(r *http.Request) string {
	return mux.Vars(r)["name"]
}

// optionalBool reads a boolean query parameter, falling back to def when absent.
func optionalBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Errorf("invalid %s %q", key, v)
	}
	return b, nil
}

// errorStatus maps a handler error onto a response code.
func errorStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, project.ErrInvalidName):
		return http.StatusBadRequest
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	confirm, err := optionalBool(r, "confirm", true)
	if err != nil {
		respondText(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Projects.Create(projectName(r)); err != nil {
		if errors.Is(err, project.ErrAlreadyExists) {
			if !confirm {
				respondText(w, http.StatusOK, successBody)
				return
			}
			respondText(w, http.StatusConflict, fmt.Sprintf("Project Already Exists -> %s", err))
			return
		}
		respondText(w, errorStatus(err), err.Error())
		return
	}

	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	confirm, err := optionalBool(r, "confirm", true)
	if err != nil {
		respondText(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.Projects.Delete(projectName(r)); err != nil {
		if errors.Is(err, project.ErrNotExist) {
			if !confirm {
				respondText(w, http.StatusOK, successBody)
				return
			}
			respondText(w, http.StatusConflict, fmt.Sprintf("Project does not exist -> %s", err))
			return
		}
		respondText(w, errorStatus(err), err.Error())
		return
	}

	respondText(w, http.StatusOK, successBody)
}

// openPacket decrypts and decompresses an inbound packet in place.
func (s Server) openPacket(p *wire.Packet) error {
	if p.Encrypted {
		cipher, err := crypt.NewCipher(s.Session.APIKey())
		if err != nil {
			return err
		}
		data, err := cipher.OpenBytes(p.Data)
		if err != nil {
			return errors.Wrap(wire.ErrMalformed, err.Error())
		}
		p.Data = data
		p.Encrypted = false
	}
	return p.Decompress()
}

func (s Server) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	name := projectName(r)
	logger := log.FromContext(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondText(w, errorStatus(err), fmt.Sprintf("Error reading request body -> %s", err))
		return
	}

	packet, err := wire.DecodePacket(body)
	if err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error decoding packet -> %s", err))
		return
	}
	encrypted := packet.Encrypted
	if err := s.openPacket(packet); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error opening packet -> %s", err))
		return
	}

	var bundle wire.FileBundle
	if err := wire.Unmarshal(packet.Data, &bundle); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error decoding files -> %s", err))
		return
	}

	if err := s.Projects.Ingest(name, bundle); err != nil {
		respondText(w, errorStatus(err), fmt.Sprintf("Error adding files to project -> %s", err))
		return
	}

	stats.GetStats(r.Context()).Count("project.ingested_bytes", int64(len(body)), stats.Tags{"encrypted": encrypted}, 1)
	logger.Infow("Replaced project files", "project", name, "files", len(bundle.Files))
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handlePullFiles(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.Projects.Export(projectName(r), nil)
	if err != nil {
		status := errorStatus(err)
		if errors.Is(err, project.ErrNotExist) {
			status = http.StatusConflict
		}
		respondText(w, status, fmt.Sprintf("Error loading project files -> %s", err))
		return
	}

	packet, err := wire.NewPacket(bundle)
	if err != nil {
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := packet.CompressIfLarge(); err != nil {
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}
	b, err := packet.Encode()
	if err != nil {
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondBinary(w, b)
}

func (s Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	names, err := s.Projects.List()
	if err != nil {
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}

	b, err := wire.Marshal(names)
	if err != nil {
		respondText(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondBinary(w, b)
}

func (s Server) handlePurgeProject(w http.ResponseWriter, r *http.Request) {
	retries := s.PurgeRetries
	if v := r.URL.Query().Get("retries"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			respondText(w, http.StatusBadRequest, fmt.Sprintf("invalid retries %q", v))
			return
		}
		retries = int(n)
	}

	if err := s.Purger.Purge(r.Context(), projectName(r), retries); err != nil {
		respondText(w, errorStatus(err), err.Error())
		return
	}

	respondText(w, http.StatusOK, successBody)
}
