package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/okian/mentorsync/internal/adapters/http/api"
	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/app/resolver"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

type listCall struct {
	mentor   string
	filter   model.Filter
	page     int
	pageSize int
}

// mockDependencies records calls and answers with preset values.
type mockDependencies struct {
	readyErr error

	lastList  listCall
	page      types.Page
	listErr   error
	marker    types.SyncMarker
	refreshEr error

	writeRes types.WriteResult
	writeErr error

	lastStartup string
	lastAddress string
	lastIndex   uint64
	lastSubmit  ledger.SubmitRequest

	report     resolver.Report
	auditLimit int
}

func (m *mockDependencies) Ready() error { return m.readyErr }

func (m *mockDependencies) GetStats() map[string]interface{} {
	return map[string]interface{}{"started": true, "workers": 4}
}

func (m *mockDependencies) ListMilestones(_ context.Context, mentor string, filter model.Filter, page, pageSize int) (types.Page, error) {
	m.lastList = listCall{mentor: mentor, filter: filter, page: page, pageSize: pageSize}
	return m.page, m.listErr
}

func (m *mockDependencies) Refresh(_ context.Context, mentor string) (types.SyncMarker, error) {
	m.lastAddress = mentor
	return m.marker, m.refreshEr
}

func (m *mockDependencies) EnsureMentor(_ context.Context, address string) (types.WriteResult, error) {
	m.lastAddress = address
	return m.writeRes, m.writeErr
}

func (m *mockDependencies) AssignMentor(_ context.Context, startupID, address string) (types.WriteResult, error) {
	m.lastStartup, m.lastAddress = startupID, address
	return m.writeRes, m.writeErr
}

func (m *mockDependencies) SubmitMilestone(_ context.Context, req ledger.SubmitRequest) (types.WriteResult, error) {
	m.lastSubmit = req
	return m.writeRes, m.writeErr
}

func (m *mockDependencies) Verify(_ context.Context, startupID string, index uint64) (types.WriteResult, error) {
	m.lastStartup, m.lastIndex = startupID, index
	return m.writeRes, m.writeErr
}

func (m *mockDependencies) Reject(_ context.Context, startupID string, index uint64) (types.WriteResult, error) {
	m.lastStartup, m.lastIndex = startupID, index
	return m.writeRes, m.writeErr
}

func (m *mockDependencies) AliasReport(_ context.Context, startupID string) (resolver.Report, error) {
	m.lastStartup = startupID
	return m.report, nil
}

func (m *mockDependencies) RecentAudits(limit int) []audit.Summary {
	m.auditLimit = limit
	return []audit.Summary{{ID: "t1", Operation: "verify"}}
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return out
}

func TestHealthAndStats(t *testing.T) {
	Convey("Given an API router", t, func() {
		deps := &mockDependencies{}
		h := api.NewServer(deps).Router(context.Background())

		Convey("When the service is ready", func() {
			w := serve(h, http.MethodGet, "/healthz", "")

			Convey("Then health is ok", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["status"], ShouldEqual, "ok")
			})
		})

		Convey("When the service is not ready", func() {
			deps.readyErr = errors.New("service not started")
			w := serve(h, http.MethodGet, "/healthz", "")

			Convey("Then health is unavailable", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(decode(w)["error"], ShouldEqual, "service not started")
			})
		})

		Convey("When metrics are scraped", func() {
			w := serve(h, http.MethodGet, "/metrics", "")

			Convey("Then the registry is exposed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When stats are requested", func() {
			w := serve(h, http.MethodGet, "/stats", "")

			Convey("Then the provider's map is returned as JSON", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Content-Type"), ShouldEqual, "application/json; charset=utf-8")
				So(decode(w)["workers"], ShouldEqual, 4)
			})
		})

		Convey("When an unknown route or method is used", func() {
			Convey("Then chi answers 404 and 405", func() {
				So(serve(h, http.MethodGet, "/leaderboard", "").Code, ShouldEqual, http.StatusNotFound)
				So(serve(h, http.MethodPost, "/stats", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestMentorRoutes(t *testing.T) {
	Convey("Given an API router", t, func() {
		deps := &mockDependencies{page: types.Page{Entries: []model.ProjectionEntry{}, Page: 2, PageSize: 5}}
		h := api.NewServer(deps).Router(context.Background())

		Convey("When a dashboard page is listed", func() {
			w := serve(h, http.MethodGet, "/mentors/0xAbC/milestones?filter=Pending&page=2&page_size=5", "")

			Convey("Then the parameters reach the service", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.lastList, ShouldResemble, listCall{mentor: "0xAbC", filter: model.FilterPending, page: 2, pageSize: 5})
				So(decode(w)["page"], ShouldEqual, 2)
			})
		})

		Convey("When the filter is unknown", func() {
			w := serve(h, http.MethodGet, "/mentors/0xabc/milestones?filter=archived", "")

			Convey("Then the request is invalid", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["code"], ShouldEqual, "invalid")
			})
		})

		Convey("When the page is not a number", func() {
			w := serve(h, http.MethodGet, "/mentors/0xabc/milestones?page=two", "")

			Convey("Then the request is invalid", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When a refresh hits a transient ledger failure", func() {
			deps.refreshEr = failure.Wrap(failure.KindTransient, "ledger.head", errors.New("connection refused"))
			w := serve(h, http.MethodPost, "/mentors/0xabc/refresh", "")

			Convey("Then it answers 503 with the transient category", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(decode(w)["code"], ShouldEqual, "transient")
			})
		})

		Convey("When a refresh fails after an earlier sync", func() {
			deps.marker = types.SyncMarker{Mentor: "0xabc", Sequence: 9, State: "backoff", Stale: true, LastError: "connection refused"}
			deps.refreshEr = failure.Wrap(failure.KindTransient, "ledger.head", errors.New("connection refused"))
			w := serve(h, http.MethodPost, "/mentors/0xabc/refresh", "")

			Convey("Then the error body carries the stale marker", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				body := decode(w)
				So(body["code"], ShouldEqual, "transient")
				sync, ok := body["sync"].(map[string]any)
				So(ok, ShouldBeTrue)
				So(sync["mentor"], ShouldEqual, "0xabc")
				So(sync["stale"], ShouldEqual, true)
				So(sync["last_error"], ShouldEqual, "connection refused")
			})
		})

		Convey("When a refresh succeeds", func() {
			deps.marker = types.SyncMarker{Mentor: "0xabc", Sequence: 12, State: "idle"}
			w := serve(h, http.MethodPost, "/mentors/0xabc/refresh", "")

			Convey("Then the marker is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["sequence"], ShouldEqual, 12)
			})
		})

		Convey("When a mentor is added with a malformed body", func() {
			w := serve(h, http.MethodPost, "/mentors", `{"addr":"0xabc"}`)

			Convey("Then unknown fields are rejected", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When a mentor that already exists is added", func() {
			deps.writeRes = types.WriteResult{Status: types.StatusAlreadyApplied, Category: "already_done"}
			w := serve(h, http.MethodPost, "/mentors", `{"address":"0xabc"}`)

			Convey("Then it is a success", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.lastAddress, ShouldEqual, "0xabc")
				So(decode(w)["status"], ShouldEqual, types.StatusAlreadyApplied)
			})
		})
	})
}

func TestStartupRoutes(t *testing.T) {
	Convey("Given an API router", t, func() {
		deps := &mockDependencies{writeRes: types.WriteResult{Status: types.StatusOK}}
		h := api.NewServer(deps).Router(context.Background())

		Convey("When a mentor is assigned without the owner role", func() {
			deps.writeErr = failure.Wrap(failure.KindUnauthorized, "mentor.assign", errors.New("execution reverted: only owner"))
			w := serve(h, http.MethodPost, "/startups/kampus-001/mentor", `{"address":"0xabc"}`)

			Convey("Then it answers 403", func() {
				So(w.Code, ShouldEqual, http.StatusForbidden)
				So(deps.lastStartup, ShouldEqual, "kampus-001")
				So(decode(w)["code"], ShouldEqual, "authorization")
			})
		})

		Convey("When a milestone is submitted", func() {
			w := serve(h, http.MethodPost, "/startups/CampusFounders/milestones",
				`{"type":"users","value":500,"description":"500 students","proof_reference":"ipfs://x"}`)

			Convey("Then the path id and body reach the service", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.lastSubmit, ShouldResemble, ledger.SubmitRequest{
					StartupID: "CampusFounders", Type: "users", Value: 500, Description: "500 students", ProofRef: "ipfs://x",
				})
			})
		})

		Convey("When a milestone is verified", func() {
			w := serve(h, http.MethodPost, "/startups/kampus-001/milestones/3/verify", "")

			Convey("Then the index is parsed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.lastIndex, ShouldEqual, 3)
			})
		})

		Convey("When the index is not a number", func() {
			w := serve(h, http.MethodPost, "/startups/kampus-001/milestones/x/verify", "")

			Convey("Then the request is invalid", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When the milestone does not exist", func() {
			deps.writeErr = failure.Wrap(failure.KindNotFound, "ledger.verify", errors.New("execution reverted: invalid milestone index"))
			w := serve(h, http.MethodPost, "/startups/kampus-001/milestones/9/verify", "")

			Convey("Then it answers 404", func() {
				So(w.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When a verified milestone is rejected", func() {
			deps.writeErr = failure.Wrap(failure.KindInvalid, "projection.reject", projection.ErrVerifiedFinal)
			w := serve(h, http.MethodPost, "/startups/kampus-001/milestones/0/reject", "")

			Convey("Then it answers 409", func() {
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(decode(w)["code"], ShouldEqual, "invalid_transition")
			})
		})

		Convey("When the alias report is requested", func() {
			deps.report = resolver.Report{StartupID: "campus-founders-001", Merged: 2, Conflicts: []resolver.Conflict{}}
			w := serve(h, http.MethodGet, "/startups/campusfounders/aliases", "")

			Convey("Then the report is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.lastStartup, ShouldEqual, "campusfounders")
				So(decode(w)["startup_id"], ShouldEqual, "campus-founders-001")
			})
		})
	})
}

func TestAuditRoute(t *testing.T) {
	Convey("Given an API router", t, func() {
		deps := &mockDependencies{}
		h := api.NewServer(deps).Router(context.Background())

		Convey("When no limit is given", func() {
			w := serve(h, http.MethodGet, "/audit", "")

			Convey("Then the default limit is used", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.auditLimit, ShouldEqual, 50)
			})
		})

		Convey("When a limit is given", func() {
			serve(h, http.MethodGet, "/audit?limit=5", "")

			Convey("Then it is passed through", func() {
				So(deps.auditLimit, ShouldEqual, 5)
			})
		})
	})
}
