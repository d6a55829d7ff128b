package cooldown

import "testing"

func TestAttribute(t *testing.T) {
	t.Parallel()
	c := Default()
	cases := []struct {
		name     string
		mentions []int64
		text     string
		pendings []PendingView
		want     Decision
	}{
		{
			name: "no pendings",
			text: "cooldown 1m",
			want: Decision{Outcome: NoMatch},
		},
		{
			name:     "mention with single pending",
			mentions: []int64{7},
			text:     "you are on cooldown: 6h 0m 0s",
			pendings: []PendingView{{UserID: 7, Activity: "tower"}},
			want:     Decision{Outcome: Matched, UserID: 7, Activity: "tower", Source: "mention"},
		},
		{
			name:     "mention wins over other pendings",
			mentions: []int64{7},
			text:     "wait 1m",
			pendings: []PendingView{
				{UserID: 5, Activity: "daily"},
				{UserID: 7, Activity: "mission"},
			},
			want: Decision{Outcome: Matched, UserID: 7, Activity: "mission", Source: "mention"},
		},
		{
			name:     "mentioned user with two pendings, activity named",
			mentions: []int64{7},
			text:     "your daily cooldown: wait 23h",
			pendings: []PendingView{
				{UserID: 7, Activity: "daily"},
				{UserID: 7, Activity: "mission"},
			},
			want: Decision{Outcome: Matched, UserID: 7, Activity: "daily", Source: "mention"},
		},
		{
			name:     "mentioned user with two pendings, nothing named",
			mentions: []int64{7},
			text:     "wait a bit: 5m",
			pendings: []PendingView{
				{UserID: 7, Activity: "daily"},
				{UserID: 7, Activity: "mission"},
			},
			want: Decision{Outcome: Ambiguous},
		},
		{
			name:     "no mention, single pending inferred",
			text:     "cooldown: 1m 0s",
			pendings: []PendingView{{UserID: 3, Activity: "mission"}},
			want:     Decision{Outcome: Matched, UserID: 3, Activity: "mission", Source: "inferred"},
		},
		{
			name: "no mention, multiple pendings ambiguous",
			text: "cooldown: 1m 0s",
			pendings: []PendingView{
				{UserID: 3, Activity: "mission"},
				{UserID: 4, Activity: "mission"},
			},
			want: Decision{Outcome: Ambiguous},
		},
		{
			name:     "mention without pendings falls through to inference",
			mentions: []int64{999},
			text:     "cooldown: 1m",
			pendings: []PendingView{{UserID: 3, Activity: "report"}},
			want:     Decision{Outcome: Matched, UserID: 3, Activity: "report", Source: "inferred"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Attribute(tc.mentions, tc.text, tc.pendings, c)
			if got != tc.want {
				t.Errorf("Attribute = %+v, want %+v", got, tc.want)
			}
		})
	}
}
