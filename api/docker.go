package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tynkerbase/tynkerbase-agent/wire"
)

func (s Server) handleStartDaemon(w http.ResponseWriter, r *http.Request) {
	if err := s.Docker.StartDaemon(r.Context()); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error starting docker daemon -> %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleEndDaemon(w http.ResponseWriter, r *http.Request) {
	if err := s.Docker.StopDaemon(r.Context()); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to end daemon: %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.Docker.DaemonStatus(r.Context())
	if err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error getting daemon status: %s", err))
		return
	}
	respondText(w, http.StatusOK, strconv.FormatBool(active))
}

func (s Server) handleBuildImage(w http.ResponseWriter, r *http.Request) {
	if err := s.Docker.BuildImage(r.Context(), projectName(r)); err != nil {
		respondText(w, errorStatus(err), fmt.Sprintf("Failed to build image -> %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.Docker.DeleteImage(r.Context(), projectName(r)); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete image -> %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	out, err := s.Docker.ListImages(r.Context())
	if err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error getting images -> %s", err))
		return
	}
	respondText(w, http.StatusOK, out)
}

func (s Server) handleSpawnContainer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondText(w, errorStatus(err), fmt.Sprintf("Error reading request body -> %s", err))
		return
	}

	var config wire.ProjConfig
	if err := wire.Unmarshal(body, &config); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error decoding project config -> %s", err))
		return
	}

	if err := s.Docker.RunContainer(r.Context(), config); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start container -> %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handlePauseContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.Docker.StopContainer(r.Context(), projectName(r)); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to pause container -> %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.Docker.DeleteContainer(r.Context(), projectName(r)); err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete container -> %s", err))
		return
	}
	respondText(w, http.StatusOK, successBody)
}

func (s Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	out, err := s.Docker.ListContainers(r.Context())
	if err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error listing containers -> %s", err))
		return
	}
	respondText(w, http.StatusOK, out)
}

func (s Server) handleListContainerStats(w http.ResponseWriter, r *http.Request) {
	out, err := s.Docker.ListContainerStats(r.Context())
	if err != nil {
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Error getting container stats -> %s", err))
		return
	}
	respondText(w, http.StatusOK, out)
}
