package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/ipsframework/ipsportal/pkg/ensemble"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/ipsframework/ipsportal/pkg/upload"
	"github.com/sirupsen/logrus"
)

const (
	headerTag         = "X-Ips-Tag"
	headerPortalRunID = "X-Ips-Portal-Runid"
	headerUsername    = "X-Ips-Username"
	headerEnsembleID  = "X-Ips-Ensemble-Id"

	errMsgContentType = "Content-Type HTTP header value must be 'application/octet-stream'"
	errMsgMissingBody = "Missing request body"
)

func errMsgMissingHeader(name string) string {
	return "Missing value for HTTP Header " + name
}

func errMsgInvalidHeader(name string) string {
	return "Invalid value for HTTP Header " + name
}

// handleDataRuns lists the portal_runids that have a data record.
func (s *server) handleDataRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListDataPortalRunIDs(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	writeJSON(w, http.StatusOK, ids)
}

// handleData returns the data record of one run.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetData(r.Context(), chi.URLParam(r, "portal_runid"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, "Not Found")

		return
	}

	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleAddData uploads a timestep artifact to object storage and records
// its location on the run's data record.
func (s *server) handleAddData(w http.ResponseWriter, r *http.Request) {
	if !isOctetStream(r) {
		writeJSON(w, http.StatusUnsupportedMediaType, errMsgContentType)

		return
	}

	body, ok := s.readArtifact(w, r)
	if !ok {
		return
	}

	tag := r.Header.Get(headerTag)
	if tag == "" {
		writeJSON(w, http.StatusBadRequest, errMsgMissingHeader(headerTag))

		return
	}

	tagValue := resolveTag(tag)

	portalRunID := r.Header.Get(headerPortalRunID)
	if portalRunID == "" {
		writeJSON(w, http.StatusBadRequest, errMsgMissingHeader(headerPortalRunID))

		return
	}

	found, err := s.store.GetRun(r.Context(), store.ByPortalRunID(portalRunID))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusBadRequest, errMsgInvalidHeader(headerPortalRunID))

		return
	}

	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	if s.uploader == nil {
		writeJSON(w, http.StatusInternalServerError, "Server could not upload data")

		return
	}

	log := s.log.WithFields(logrus.Fields{
		"portal_runid": portalRunID,
		"tag":          tag,
		"bucket":       upload.BucketName(found.RunID),
	})

	location, err := s.uploader.Put(r.Context(), found.RunID, tag, body)
	if err != nil {
		artifactUploads.WithLabelValues("failed").Inc()
		log.WithError(err).Error("Upload failed")
		writeJSON(w, http.StatusInternalServerError, "Server could not upload data")

		return
	}

	artifactUploads.WithLabelValues("ok").Inc()

	if err := s.store.AddDataTag(r.Context(), found.RunID, portalRunID, run.DataTag{
		Tag:             tagValue,
		DataLocationURL: location,
	}); err != nil {
		log.WithError(err).Error("Failed to record uploaded data")
		writeJSON(w, http.StatusInternalServerError, "Unable to fully link data")

		return
	}

	log.Info("Stored run data")

	writeJSON(w, http.StatusCreated, location)
}

type addURLRequest struct {
	PortalRunID any `json:"portal_runid"`
	URL         any `json:"url"`
}

// handleAddURL records a Jupyter notebook link on a run's data record.
func (s *server) handleAddURL(w http.ResponseWriter, r *http.Request) {
	var req addURLRequest

	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{"Request body must be a JSON object"})

		return
	}

	var fieldErrs []map[string]string

	url, ok := req.URL.(string)
	if !ok {
		fieldErrs = append(fieldErrs, map[string]string{"url": "Must be provided and a string"})
	}

	portalRunID, ok := req.PortalRunID.(string)
	if !ok {
		fieldErrs = append(fieldErrs, map[string]string{"portal_runid": "Must be provided"})
	}

	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, fieldErrs)

		return
	}

	found, err := s.store.GetRun(r.Context(), store.ByPortalRunID(portalRunID))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusBadRequest, []map[string]string{
			{"portal_runid": "Must refer to an existing run"},
		})

		return
	}

	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	if err := s.store.AddJupyterURL(r.Context(), found.RunID, portalRunID, url); err != nil {
		s.log.WithError(err).
			WithField("portal_runid", portalRunID).
			Error("Failed to add Jupyter URL")
		writeJSON(w, http.StatusInternalServerError, "unable to add URL")

		return
	}

	writeJSON(w, http.StatusCreated, "URL update OK")
}

// handleAddEnsemble stores the member table of an ensemble launched by a
// parent run. Child runs later fill in their own rows.
func (s *server) handleAddEnsemble(w http.ResponseWriter, r *http.Request) {
	if !isOctetStream(r) {
		writeJSON(w, http.StatusUnsupportedMediaType, errMsgContentType)

		return
	}

	username := r.Header.Get(headerUsername)
	if username == "" {
		writeJSON(w, http.StatusBadRequest, errMsgMissingHeader(headerUsername))

		return
	}

	ensembleID := r.Header.Get(headerEnsembleID)
	if ensembleID == "" {
		writeJSON(w, http.StatusBadRequest, errMsgMissingHeader(headerEnsembleID))

		return
	}

	body, ok := s.readArtifact(w, r)
	if !ok {
		return
	}

	rawRunID := r.Header.Get(headerPortalRunID)
	if rawRunID == "" {
		writeJSON(w, http.StatusBadRequest, errMsgMissingHeader(headerPortalRunID))

		return
	}

	runID, err := strconv.ParseInt(rawRunID, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errMsgInvalidHeader(headerPortalRunID))

		return
	}

	parent, err := s.store.GetRun(r.Context(), store.ByRunID(runID))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusBadRequest, errMsgInvalidHeader(headerPortalRunID))

		return
	}

	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	path, err := s.ensembles.SaveInitial(runID, ensembleID, body)
	if err != nil {
		if errors.Is(err, ensemble.ErrInvalidEnsembleID) {
			writeJSON(w, http.StatusBadRequest, errMsgInvalidHeader(headerEnsembleID))

			return
		}

		if errors.Is(err, ensemble.ErrEmptyTable) {
			writeJSON(w, http.StatusBadRequest, "Ensemble table has no header row")

			return
		}

		if errors.Is(err, ensemble.ErrMalformedTable) {
			writeJSON(w, http.StatusBadRequest, "Ensemble table is not valid CSV")

			return
		}

		s.log.WithError(err).
			WithField("runid", runID).
			WithField("ensemble_id", ensembleID).
			Error("Failed to save ensemble table")
		writeJSON(w, http.StatusInternalServerError, "Unable to save ensemble table")

		return
	}

	if err := s.store.AddEnsemble(r.Context(), runID, parent.PortalRunID, run.Ensemble{
		EnsembleID: ensembleID,
		Path:       path,
	}); err != nil {
		s.log.WithError(err).
			WithField("runid", runID).
			Error("Failed to record ensemble")
		writeJSON(w, http.StatusInternalServerError, "Unable to record ensemble")

		return
	}

	s.log.WithFields(logrus.Fields{
		"runid":       runID,
		"ensemble_id": ensembleID,
		"user":        username,
	}).Info("Registered ensemble")

	writeJSON(w, http.StatusCreated, path)
}

func isOctetStream(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))

	return err == nil && mediaType == upload.ContentType
}

// readArtifact reads a non-empty request body of at most
// server.max_upload_bytes, writing the error response itself when it cannot.
func (s *server) readArtifact(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := s.cfg.Server.MaxUploadBytes
	if limit <= 0 {
		limit = config.DefaultMaxUploadBytes
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))

		return nil, false
	}

	if err != nil {
		writeJSON(w, http.StatusBadRequest, "Could not read request body")

		return nil, false
	}

	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, errMsgMissingBody)

		return nil, false
	}

	return body, true
}

// resolveTag keeps numeric timestep tags as numbers. NaN and infinities
// stay strings since JSON cannot carry them.
func resolveTag(tag string) any {
	f, err := strconv.ParseFloat(tag, 64)
	if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}

	return tag
}
