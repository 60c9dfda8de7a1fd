package redis

import "testing"

func TestHashrateKey(t *testing.T) {
	if got := hashrateKey(""); got != poolHashrateKey {
		t.Errorf("hashrateKey(\"\") = %q, want %q", got, poolHashrateKey)
	}
	if got := hashrateKey("sh1abc"); got != "hive:hashrate:miner:sh1abc" {
		t.Errorf("hashrateKey(sh1abc) = %q", got)
	}
}

func TestParseSample(t *testing.T) {
	tests := []struct {
		member  string
		want    float64
		wantErr bool
	}{
		{member: "1700000000:3276.8", want: 3276.8},
		{member: "1700000000:0", want: 0},
		{member: "no-separator", wantErr: true},
		{member: "1700000000:fast", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseSample(tt.member)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSample(%q) error = %v, wantErr %v", tt.member, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseSample(%q) = %v, want %v", tt.member, got, tt.want)
		}
	}
}
