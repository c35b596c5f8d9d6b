package identity_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/identity"
	"github.com/okian/mentorsync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRegistry(t *testing.T) {
	Convey("Given a registry with kampus-001 and slot 4", t, func() {
		r := identity.NewRegistry()
		err := r.Register(model.StartupIdentity{
			CanonicalID: "kampus-001",
			DisplayName: "Kampus",
			Aliases:     []model.Alias{model.IDAlias("kampus"), model.SlotAlias(4)},
			Metadata:    map[string]string{"category": "Social"},
		})
		So(err, ShouldBeNil)

		Convey("Then every alias resolves to the canonical id", func() {
			for _, a := range []model.Alias{model.IDAlias("kampus-001"), model.IDAlias("kampus"), model.SlotAlias(4)} {
				id, ok := r.Resolve(a)
				So(ok, ShouldBeTrue)
				So(id, ShouldEqual, "kampus-001")
			}
			So(r.Canonical("kampus"), ShouldEqual, "kampus-001")
			So(r.Canonical("unknown-001"), ShouldEqual, "unknown-001")
		})

		Convey("Then aliases keep registration order with the canonical first", func() {
			So(r.Aliases("kampus-001"), ShouldResemble, []model.Alias{
				model.IDAlias("kampus-001"), model.IDAlias("kampus"), model.SlotAlias(4),
			})
		})

		Convey("When another startup claims slot 4", func() {
			err := r.Register(model.StartupIdentity{CanonicalID: "other-001", Aliases: []model.Alias{model.SlotAlias(4)}})

			Convey("Then it is rejected and nothing is registered", func() {
				So(errors.Is(err, identity.ErrAliasShared), ShouldBeTrue)
				So(failure.KindOf(err), ShouldEqual, failure.KindConfig)
				_, ok := r.Identity("other-001")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the same canonical id is registered again with new aliases", func() {
			So(r.Register(model.StartupIdentity{CanonicalID: "kampus-001", Aliases: []model.Alias{model.IDAlias("KAMPUS")}}), ShouldBeNil)

			Convey("Then aliases merge and display data is kept", func() {
				id, ok := r.Identity("kampus-001")
				So(ok, ShouldBeTrue)
				So(len(id.Aliases), ShouldEqual, 4)
				So(id.DisplayName, ShouldEqual, "Kampus")
				So(r.Len(), ShouldEqual, 1)
			})
		})

		Convey("Then Identity returns a copy", func() {
			id, _ := r.Identity("kampus-001")
			id.Metadata["category"] = "changed"
			again, _ := r.Identity("kampus-001")
			So(again.Metadata["category"], ShouldEqual, "Social")
		})
	})
}

func TestEnsure(t *testing.T) {
	Convey("Given an empty registry", t, func() {
		r := identity.NewRegistry()

		Convey("An unknown string id becomes its own canonical identity", func() {
			id, err := r.Ensure(model.IDAlias("s1"))
			So(err, ShouldBeNil)
			So(id, ShouldEqual, "s1")
			So(r.Canonicals(), ShouldResemble, []string{"s1"})
		})

		Convey("An unknown slot cannot be attributed", func() {
			_, err := r.Ensure(model.SlotAlias(7))
			So(errors.Is(err, failure.ErrUnknownIdentifier), ShouldBeTrue)
		})

		Convey("Concurrent first observations create one identity", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = r.Ensure(model.IDAlias("race-001"))
				}()
			}
			wg.Wait()
			So(r.Len(), ShouldEqual, 1)
		})
	})
}

func TestLoadFile(t *testing.T) {
	Convey("Given a registry file", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "registry.yaml")
		content := `startups:
  - id: s1
    name: Startup One
    aliases: ["S1", "#7"]
    metadata:
      founder: Ada
  - id: kampus-001
    slots: [4]
`
		So(os.WriteFile(path, []byte(content), 0o600), ShouldBeNil)

		r, err := identity.LoadFile(context.Background(), path)
		So(err, ShouldBeNil)

		Convey("Then ids, slots and metadata are loaded", func() {
			So(r.Canonicals(), ShouldResemble, []string{"s1", "kampus-001"})
			id, ok := r.Resolve(model.SlotAlias(7))
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, "s1")
			id, ok = r.Resolve(model.SlotAlias(4))
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, "kampus-001")
			ident, _ := r.Identity("s1")
			So(ident.Metadata["founder"], ShouldEqual, "Ada")
		})
	})

	Convey("Given a file sharing an alias between startups", t, func() {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		So(os.WriteFile(path, []byte("startups:\n  - id: a\n    slots: [1]\n  - id: b\n    slots: [1]\n"), 0o600), ShouldBeNil)

		_, err := identity.LoadFile(context.Background(), path)
		So(errors.Is(err, identity.ErrAliasShared), ShouldBeTrue)
	})

	Convey("Given a missing file", t, func() {
		_, err := identity.LoadFile(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
		So(errors.Is(err, identity.ErrLoadRegistry), ShouldBeTrue)
	})

	Convey("Given no path", t, func() {
		r, err := identity.LoadFile(context.Background(), "")
		So(err, ShouldBeNil)
		So(r.Canonical("CampusFounders"), ShouldEqual, "campus-founders-001")
		id, ok := r.Resolve(model.SlotAlias(4))
		So(ok, ShouldBeTrue)
		So(id, ShouldEqual, "kampus-001")
	})
}
