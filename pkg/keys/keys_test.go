package keys

import (
	"testing"

	"github.com/jqcore/jqcore/pkg/job"
)

func TestNamer(t *testing.T) {
	n := New("goqueue")

	cases := map[string]string{
		n.ID():                "goqueue:id",
		n.Job("42"):            "goqueue:job:42",
		n.Queue("mail"):        "goqueue:queue:mail",
		n.Scheduled():          "goqueue:scheduled",
		n.State(job.StateNew):  "goqueue:state:NEW",
		n.TimeIndex():          "goqueue:time-index",
		n.Result("42"):         "goqueue:result:42",
		n.RateLimit("mail"):    "goqueue:ratelimit:mail",
	}

	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
