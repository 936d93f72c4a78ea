package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/tokenboard/tokenboard/shared"
)

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if s.isProductionEnvironment {
		machineCount, err := s.db.CountAllMachines(r.Context())
		checkGormError(err)
		if machineCount < 100 {
			panic("Suspiciously few machines!")
		}

		userCount, err := s.db.CountAllUsers(r.Context())
		checkGormError(err)
		if userCount < 10 {
			panic("Suspiciously few users!")
		}
	} else {
		err := s.db.Ping()
		if err != nil {
			panic(fmt.Errorf("failed to ping DB: %w", err))
		}
	}
	w.Write([]byte("OK"))
}

func (s *Server) usageStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.IngestActivityStats(r.Context())
	if err != nil {
		panic(fmt.Errorf("db.IngestActivityStats: %w", err))
	}

	tbl := table.New("Registration Date", "Num Machines", "Num Uploads", "Last Upload", "Versions", "IPs")
	tbl.WithWriter(w)
	for _, data := range stats {
		versions := strings.ReplaceAll(strings.ReplaceAll(data.Versions, "Unknown", ""), ", ", "")
		tbl.AddRow(
			data.RegistrationDate.Format(shared.DateOnly),
			data.NumMachines,
			data.NumUploads,
			data.LastUpload.Format(shared.DateOnly),
			versions,
			data.IpAddresses,
		)
	}
	tbl.Print()
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	numMachines, err := s.db.CountAllMachines(r.Context())
	checkGormError(err)

	numUsers, err := s.db.CountAllUsers(r.Context())
	checkGormError(err)

	numUploadsProcessed, err := s.db.IngestActivityTotal(r.Context())
	checkGormError(err)

	oneWeek := time.Hour * 24 * 7
	weeklyActiveMachines, err := s.db.CountActiveMachines(r.Context(), oneWeek)
	checkGormError(err)

	lastRegistration, err := s.db.DateOfLastRegistration(r.Context())
	checkGormError(err)

	_, _ = fmt.Fprintf(w, "Num machines: %d\n", numMachines)
	_, _ = fmt.Fprintf(w, "Num users: %d\n", numUsers)
	_, _ = fmt.Fprintf(w, "Num uploads processed: %d\n", numUploadsProcessed)
	_, _ = fmt.Fprintf(w, "Weekly active machines: %d\n", weeklyActiveMachines)
	_, _ = fmt.Fprintf(w, "Last registration: %s\n", lastRegistration)
}

func (s *Server) triggerCronHandler(w http.ResponseWriter, r *http.Request) {
	err := s.cronFn(r.Context(), s.db, s.statsd)
	if err != nil {
		panic(err)
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) wipeDbEntriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Host == "api.tokenboard.dev" || s.isProductionEnvironment {
		panic("refusing to wipe the DB for prod")
	}
	if !s.isTestEnvironment {
		panic("refusing to wipe the DB non-test environment")
	}

	err := s.db.Unsafe_WipeUsageRows(r.Context())
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getNumConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats()
	if err != nil {
		panic(err)
	}

	_, _ = fmt.Fprintf(w, "%#v", stats.OpenConnections)
}
