package groupresolve

import "testing"

func TestComposeRankNeverEscalates(t *testing.T) {
	cases := []struct {
		name              string
		rankHere          int
		rankInAccessGroup int
		want              int
	}{
		{"equal ranks", 2, 2, 2},
		{"access group weaker", 2, 4, 4},
		{"access group stronger cannot escalate", 2, 0, 2},
		{"both owner", 0, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := composeRank(tc.rankHere, tc.rankInAccessGroup)
			if got != tc.want {
				t.Fatalf("composeRank(%d, %d) = %d, want %d", tc.rankHere, tc.rankInAccessGroup, got, tc.want)
			}
		})
	}
}
