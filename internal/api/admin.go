package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/settings"
)

// AdminServer handles site settings, pages and mailing list integration
type AdminServer struct {
	pages   *page.Store
	sites   *settings.Store
	meta    Metadata
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewAdminServer creates the admin handlers sharing the server's stores
func NewAdminServer(s *Server) *AdminServer {
	return &AdminServer{
		pages:   s.pages,
		sites:   s.sites,
		meta:    s.meta,
		limiter: s.limiter,
		logger:  s.logger.With("component", "admin"),
	}
}

// RegisterRoutes registers admin API routes
func (a *AdminServer) RegisterRoutes(r chi.Router) {
	r.Route("/sites", func(r chi.Router) {
		r.Get("/", a.handleSitesList)
		r.Get("/{site}/settings", a.handleSettingsGet)
		r.Put("/{site}/settings", a.handleSettingsUpdate)
		r.Get("/{site}/audiences", a.handleAudiences)
		r.Delete("/{site}/lists/{list}/cache", a.handleCacheInvalidate)
	})

	r.Route("/pages", func(r chi.Router) {
		r.Get("/", a.handlePagesList)
		r.Post("/", a.handlePagesCreate)
		r.Get("/{id}", a.handlePagesGet)
		r.Put("/{id}", a.handlePagesUpdate)
		r.Delete("/{id}", a.handlePagesDelete)
		r.Get("/{id}/submissions", a.handleSubmissionsList)
		r.Get("/{id}/mailchimp-integration", a.handleIntegrationGet)
		r.Post("/{id}/mailchimp-integration", a.handleIntegrationSave)
	})

	if a.limiter != nil {
		r.Get("/ratelimits/{level}/{key}", a.handleRateLimitStats)
	}
}

// Site settings

// SettingsRequest is the request for PUT /admin/sites/{site}/settings.
// A missing api_key keeps the stored key.
type SettingsRequest struct {
	APIKey            *string `json:"api_key"`
	DefaultAudienceID string  `json:"default_audience_id"`
}

// SitesListResponse is the response for GET /admin/sites
type SitesListResponse struct {
	Sites []settings.Site `json:"sites"`
}

// AudiencesResponse is the response for GET /admin/sites/{site}/audiences
type AudiencesResponse struct {
	Audiences []mailchimp.List `json:"audiences"`
	Message   string           `json:"message,omitempty"`
}

func (a *AdminServer) handleSitesList(w http.ResponseWriter, r *http.Request) {
	sites, err := a.sites.List(r.Context())
	if err != nil {
		a.logger.Error("failed to list sites", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list sites")
		return
	}

	resp := SitesListResponse{Sites: make([]settings.Site, 0, len(sites))}
	for _, site := range sites {
		resp.Sites = append(resp.Sites, site.Masked())
	}
	sendJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	site, err := a.sites.Resolve(r.Context(), chi.URLParam(r, "site"))
	if err != nil {
		a.logger.Error("failed to get site settings", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get settings")
		return
	}
	sendJSON(w, http.StatusOK, site.Masked())
}

func (a *AdminServer) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site")

	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	site, err := a.sites.Get(r.Context(), siteID)
	if err != nil {
		a.logger.Error("failed to get site settings", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get settings")
		return
	}
	if site == nil {
		site = &settings.Site{SiteID: siteID}
	}
	if req.APIKey != nil {
		site.APIKey = *req.APIKey
	}
	site.DefaultAudienceID = req.DefaultAudienceID

	if err := a.sites.Save(r.Context(), site); err != nil {
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			errs := form.Errors{}
			errs.Add(verr.Field, verr.Message)
			sendJSON(w, http.StatusUnprocessableEntity, ValidationResponse{Error: "Invalid settings", Errors: errs})
			return
		}
		a.logger.Error("failed to save site settings", "site_id", siteID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to save settings")
		return
	}

	a.logger.Info("site settings updated", "site_id", siteID, "api_key_set", site.APIKey != "")
	sendJSON(w, http.StatusOK, site.Masked())
}

// resolveSite returns the metadata account of a site or writes a 500
func (a *AdminServer) resolveSite(w http.ResponseWriter, r *http.Request, siteID string) (metadata.Site, bool) {
	site, err := a.sites.Resolve(r.Context(), siteID)
	if err != nil {
		a.logger.Error("failed to resolve site", "site_id", siteID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get settings")
		return metadata.Site{}, false
	}
	return metadata.Site{ID: site.SiteID, APIKey: site.APIKey}, true
}

func (a *AdminServer) handleAudiences(w http.ResponseWriter, r *http.Request) {
	site, ok := a.resolveSite(w, r, chi.URLParam(r, "site"))
	if !ok {
		return
	}

	lists, err := a.meta.ListAudiences(r.Context(), site)
	sendJSON(w, http.StatusOK, AudiencesResponse{
		Audiences: lists,
		Message:   metadata.UserMessage(err),
	})
}

func (a *AdminServer) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	site, ok := a.resolveSite(w, r, chi.URLParam(r, "site"))
	if !ok {
		return
	}

	listID := chi.URLParam(r, "list")
	if err := a.meta.Invalidate(r.Context(), site, listID); err != nil {
		a.logger.Error("failed to invalidate metadata cache", "list_id", listID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to invalidate cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pages

// PageResponse is a page with its admin links
type PageResponse struct {
	*page.Page
	HasMapping     bool   `json:"has_mapping"`
	IntegrationURL string `json:"integration_url,omitempty"`
}

// PagesListResponse is the response for GET /admin/pages
type PagesListResponse struct {
	Pages []PageResponse `json:"pages"`
	Total int            `json:"total"`
}

func newPageResponse(p *page.Page) PageResponse {
	resp := PageResponse{Page: p, HasMapping: p.Mapping().Usable()}
	// Form pages get the integration link once an audience is selected
	if p.Kind == page.KindForm && p.HasAudience() {
		resp.IntegrationURL = "/admin/pages/" + p.ID + "/mailchimp-integration"
	}
	return resp
}

func (a *AdminServer) handlePagesList(w http.ResponseWriter, r *http.Request) {
	filter := page.ListFilter{
		SiteID: r.URL.Query().Get("site"),
		Kind:   page.Kind(r.URL.Query().Get("kind")),
		Limit:  queryInt(r, "limit", 100, 1000),
		Offset: queryInt(r, "offset", 0, 1000000),
	}

	pages, err := a.pages.List(r.Context(), filter)
	if err != nil {
		a.logger.Error("failed to list pages", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list pages")
		return
	}

	resp := PagesListResponse{Pages: make([]PageResponse, 0, len(pages)), Total: len(pages)}
	for _, p := range pages {
		resp.Pages = append(resp.Pages, newPageResponse(p))
	}
	sendJSON(w, http.StatusOK, resp)
}

// decodePage reads a page definition. Mapping blobs are only written by the
// integration endpoint.
func decodePage(r *http.Request) (*page.Page, error) {
	var p page.Page
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return nil, err
	}
	p.MergeFieldsMapping = ""
	p.MergeFieldTypes = ""
	p.InterestCategories = ""
	return &p, nil
}

func (a *AdminServer) handlePagesCreate(w http.ResponseWriter, r *http.Request) {
	p, err := decodePage(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if p.ID != "" {
		existing, err := a.pages.Get(r.Context(), p.ID)
		if err != nil {
			sendError(w, http.StatusInternalServerError, "Failed to get page")
			return
		}
		if existing != nil {
			sendError(w, http.StatusConflict, "Page already exists")
			return
		}
	}

	a.savePage(w, r, p, http.StatusCreated)
}

func (a *AdminServer) handlePagesUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := a.pages.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get page")
		return
	}
	if existing == nil {
		notFoundf(w, "Page %s not found", id)
		return
	}

	p, err := decodePage(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p.ID = id

	a.savePage(w, r, p, http.StatusOK)
}

func (a *AdminServer) savePage(w http.ResponseWriter, r *http.Request, p *page.Page, status int) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.pages.Save(r.Context(), p); err != nil {
		a.logger.Error("failed to save page", "id", p.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to save page")
		return
	}

	a.logger.Info("page saved", "id", p.ID, "kind", p.Kind, "list_id", p.ListID)
	sendJSON(w, status, newPageResponse(p))
}

func (a *AdminServer) handlePagesGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := a.pages.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get page")
		return
	}
	if p == nil {
		notFoundf(w, "Page %s not found", id)
		return
	}
	sendJSON(w, http.StatusOK, newPageResponse(p))
}

func (a *AdminServer) handlePagesDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.pages.Delete(r.Context(), id); err != nil {
		if errors.Is(err, page.ErrNotFound) {
			notFoundf(w, "Page %s not found", id)
			return
		}
		a.logger.Error("failed to delete page", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to delete page")
		return
	}

	a.logger.Info("page deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// SubmissionsListResponse is the response for GET /admin/pages/{id}/submissions
type SubmissionsListResponse struct {
	Submissions []*page.Submission `json:"submissions"`
	Total       int                `json:"total"`
}

func (a *AdminServer) handleSubmissionsList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	subs, err := a.pages.ListSubmissions(r.Context(), id,
		queryInt(r, "limit", 100, 1000), queryInt(r, "offset", 0, 1000000))
	if err != nil {
		a.logger.Error("failed to list submissions", "page_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list submissions")
		return
	}
	if subs == nil {
		subs = []*page.Submission{}
	}
	sendJSON(w, http.StatusOK, SubmissionsListResponse{Submissions: subs, Total: len(subs)})
}

// Mailing list integration

// IntegrationResponse is the mapping form of a form page
type IntegrationResponse struct {
	PageID   string            `json:"page_id"`
	Audience *mailchimp.List   `json:"audience,omitempty"`
	Form     *form.MappingForm `json:"form"`
	Warnings []string          `json:"warnings,omitempty"`
}

// integrationPage loads a form page with an audience or writes an error
func (a *AdminServer) integrationPage(w http.ResponseWriter, r *http.Request) (*page.Page, metadata.Site, bool) {
	id := chi.URLParam(r, "id")
	p, err := a.pages.Get(r.Context(), id)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get page")
		return nil, metadata.Site{}, false
	}
	if p == nil || p.Kind != page.KindForm {
		notFoundf(w, "Form page %s not found", id)
		return nil, metadata.Site{}, false
	}
	if !p.HasAudience() {
		sendError(w, http.StatusConflict, "Select an audience for the page first")
		return nil, metadata.Site{}, false
	}

	site, ok := a.resolveSite(w, r, p.SiteID)
	return p, site, ok
}

func (a *AdminServer) handleIntegrationGet(w http.ResponseWriter, r *http.Request) {
	p, site, ok := a.integrationPage(w, r)
	if !ok {
		return
	}

	resp := IntegrationResponse{PageID: p.ID}

	lists, err := a.meta.ListAudiences(r.Context(), site)
	if err != nil {
		resp.Warnings = append(resp.Warnings, metadata.UserMessage(err))
	}
	for i := range lists {
		if lists[i].ID == p.ListID {
			resp.Audience = &lists[i]
			break
		}
	}

	mergeFields, err := a.meta.ListMergeFields(r.Context(), site, p.ListID)
	if err != nil && len(resp.Warnings) == 0 {
		resp.Warnings = append(resp.Warnings, metadata.UserMessage(err))
	}

	resp.Form = form.BuildMappingForm(mergeFields, p.FormFields, p.Mapping().Fields)
	sendJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleIntegrationSave(w http.ResponseWriter, r *http.Request) {
	p, site, ok := a.integrationPage(w, r)
	if !ok {
		return
	}

	values, err := parseMappingValues(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mergeFields, err := a.meta.ListMergeFields(r.Context(), site, p.ListID)
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, metadata.UserMessage(err))
		return
	}
	categories, err := a.meta.ListInterestCategories(r.Context(), site, p.ListID)
	if err != nil {
		sendError(w, http.StatusServiceUnavailable, metadata.UserMessage(err))
		return
	}

	mapping, errs := form.ParseMappingForm(mergeFields, p.FormFields, values)
	if errs.HasErrors() {
		sendJSON(w, http.StatusUnprocessableEntity, ValidationResponse{Error: "Invalid mapping", Errors: errs})
		return
	}

	if err := a.pages.SaveMapping(r.Context(), p.ID, mapping, form.MergeTypes(mergeFields), categories); err != nil {
		a.logger.Error("failed to save mapping", "page_id", p.ID, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to save mapping")
		return
	}

	a.logger.Info("mailing list mapping saved",
		"page_id", p.ID,
		"list_id", p.ListID,
		"email_field", mapping[form.EmailTag],
		"categories", len(categories),
	)

	saved, err := a.pages.Get(r.Context(), p.ID)
	if err != nil || saved == nil {
		sendError(w, http.StatusInternalServerError, "Failed to get page")
		return
	}
	sendJSON(w, http.StatusOK, newPageResponse(saved))
}

// parseMappingValues accepts {"mc_merge_EMAIL": "email"} or a form body
func parseMappingValues(r *http.Request) (form.Values, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return form.Values(r.PostForm), nil
	}

	var raw map[string]string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	values := make(form.Values, len(raw))
	for k, v := range raw {
		values[k] = []string{v}
	}
	return values, nil
}

// Rate limits

func (a *AdminServer) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	level := ratelimit.Level(chi.URLParam(r, "level"))
	switch level {
	case ratelimit.LevelGlobal, ratelimit.LevelSite, ratelimit.LevelPage, ratelimit.LevelIP:
	default:
		sendError(w, http.StatusBadRequest, "Unknown rate limit level")
		return
	}

	stats, err := a.limiter.GetStats(r.Context(), level, chi.URLParam(r, "key"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get rate limit stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}
