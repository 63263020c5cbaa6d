package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-availability/internal/app"
	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/logger"
)

var specialties = []string{
	"Ayurveda",
	"Cardiology",
	"Dermatology",
	"ENT",
	"General Practice",
	"Homeopathy",
	"Neurology",
	"Orthopedics",
	"Pediatrics",
	"Psychiatry",
}

type seedOptions struct {
	doctors  int
	patients int
	days     int
	dayStart int
	dayEnd   int
}

func main() {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create doctor profiles and published slots for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.doctors, "doctors", 50, "Doctor profiles to create")
	cmd.Flags().IntVar(&opts.patients, "patients", 5, "Patient tokens to print")
	cmd.Flags().IntVar(&opts.days, "days", 3, "Days of slots to publish, starting tomorrow (UTC)")
	cmd.Flags().IntVar(&opts.dayStart, "from-hour", 9, "First slot hour (UTC)")
	cmd.Flags().IntVar(&opts.dayEnd, "to-hour", 17, "Hour the last slot ends by (UTC)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	if opts.dayStart < 0 || opts.dayEnd > 24 || opts.dayStart >= opts.dayEnd {
		return fmt.Errorf("invalid hours %d-%d", opts.dayStart, opts.dayEnd)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.StorePostgres {
		return errors.New("seeding needs STORE_BACKEND=postgres; the memory store does not outlive this process")
	}
	log := logger.New(cfg, "seed")

	a, err := app.Open(ctx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	start := time.Now()
	published := 0
	var doctorToken string
	for i := 0; i < opts.doctors; i++ {
		n, token, err := seedDoctor(ctx, a.Service, tokens, faker, opts, log)
		if err != nil {
			return fmt.Errorf("seed doctor %d: %w", i, err)
		}
		published += n
		if doctorToken == "" {
			doctorToken = token
		}
		if (i+1)%10 == 0 {
			log.Info().Int("doctors", i+1).Int("slots", published).Msg("seed progress")
		}
	}

	log.Info().
		Int("doctors", opts.doctors).
		Int("slots", published).
		Dur("took", time.Since(start)).
		Msg("seed complete")

	if doctorToken != "" {
		fmt.Printf("DOCTOR_TOKEN=%s\n", doctorToken)
	}
	for i := 0; i < opts.patients; i++ {
		token, err := tokens.Issue(auth.Identity{UserID: uuid.New(), Role: auth.RolePatient})
		if err != nil {
			return err
		}
		fmt.Printf("PATIENT_TOKEN_%d=%s\n", i+1, token)
	}
	return nil
}

func seedDoctor(ctx context.Context, svc *availability.Service, tokens *auth.TokenManager, faker *gofakeit.Faker, opts seedOptions, log zerolog.Logger) (int, string, error) {
	id := auth.Identity{UserID: uuid.New(), Role: auth.RoleDoctor}
	specialty := specialties[faker.Number(0, len(specialties)-1)]
	fee := decimal.NewFromFloat(faker.Price(100, 2000)).Round(2)

	if _, err := svc.UpsertProfile(ctx, id, availability.ProfileInput{Specialty: specialty, Fee: fee}); err != nil {
		return 0, "", err
	}

	tomorrow := time.Now().UTC().Truncate(24*time.Hour).Add(24 * time.Hour)
	total := 0
	for d := 0; d < opts.days; d++ {
		day := tomorrow.AddDate(0, 0, d)
		from := day.Add(time.Duration(opts.dayStart) * time.Hour)
		to := day.Add(time.Duration(opts.dayEnd) * time.Hour)

		slots, err := svc.PublishSlots(ctx, id, from, to)
		if err != nil {
			return total, "", err
		}
		total += len(slots)
	}

	log.Debug().Str("doctor_id", id.UserID.String()).Str("specialty", specialty).Msg("doctor seeded")

	token, err := tokens.Issue(id)
	return total, token, err
}
