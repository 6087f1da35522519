package main

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/printq/spool"
)

type statView struct {
	Name     string    `yaml:"name"`
	Session  string    `yaml:"session"`
	Created  time.Time `yaml:"created"`
	Capacity int       `yaml:"capacity"`
	Length   int       `yaml:"length"`
	Empty    int       `yaml:"empty"`
	Full     int       `yaml:"full"`
}

func runStat(ctx context.Context, cfg *spool.Config) error {
	q, err := spool.Attach(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	st := q.Stats()
	enc := yaml.NewEncoder(stdout)
	defer enc.Close()
	return enc.Encode(statView{
		Name:     st.Name,
		Session:  st.Session.String(),
		Created:  st.CreatedAt,
		Capacity: st.Capacity,
		Length:   st.Length,
		Empty:    st.Empty,
		Full:     st.Full,
	})
}
