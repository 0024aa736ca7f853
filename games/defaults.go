package games

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	KeyPix         = "premio_pix_conta"
	KeyMeMimei     = "premio_me_mimei"
	KeyEletronicos = "premio_eletronicos"
	KeySuper       = "premio_super_premios"

	// Chest variants play the same 3-of-a-kind card behind chests.
	KeyChestPix         = "bau_pix"
	KeyChestMeMimei     = "bau_me_mimei"
	KeyChestEletronicos = "bau_eletronicos"
	KeyChestSuper       = "bau_super"
)

type seedPrize struct {
	value string
	name  string
}

type seedGame struct {
	key    string
	name   string
	base   int64
	asset  string
	prizes []seedPrize
}

var (
	pixPrizes = []seedPrize{
		{"100000", "R$ 100.000,00"}, {"10000", "R$ 10.000,00"}, {"5000", "R$ 5.000,00"},
		{"2000", "R$ 2.000,00"}, {"1000", "R$ 1.000,00"}, {"500", "R$ 500,00"},
		{"200", "R$ 200,00"}, {"100", "R$ 100,00"}, {"50", "R$ 50,00"},
		{"20", "R$ 20,00"}, {"15", "R$ 15,00"}, {"10", "R$ 10,00"},
		{"5", "R$ 5,00"}, {"4", "R$ 4,00"}, {"3", "R$ 3,00"},
		{"2", "R$ 2,00"}, {"1", "R$ 1,00"}, {"0.5", "R$ 0,50"},
	}
	meMimeiPrizes = []seedPrize{
		{"100000", "Anel Vivara (R$ 100.000)"}, {"10000", "Dyson (R$ 10.000)"}, {"5000", "Bolsa MK (R$ 5.000)"},
		{"2000", "Kit Kerastase (R$ 2.000)"}, {"1000", "Kit Bruna Tavares (R$ 1.000)"}, {"500", "Good Girl (R$ 500)"},
		{"200", "Kit WEPINK (R$ 200)"}, {"100", "Bolsa PJ (R$ 100)"}, {"50", "Egeo Dolce (R$ 50)"},
		{"20", "Iluminador (R$ 20)"}, {"15", "Máscara (R$ 15)"}, {"10", "Batom (R$ 10)"},
		{"5", "R$ 5,00"}, {"4", "R$ 4,00"}, {"3", "R$ 3,00"},
		{"2", "R$ 2,00"}, {"1", "R$ 1,00"}, {"0.5", "R$ 0,50"},
	}
	eletronicosPrizes = []seedPrize{
		{"100000", "Kit Apple (R$ 100.000)"}, {"10000", "iPhone 16 (R$ 10.000)"}, {"5000", "Notebook Dell (R$ 5.000)"},
		{"2000", "TV 55\" (R$ 2.000)"}, {"1000", "JBL (R$ 1.000)"}, {"500", "Air Fryer (R$ 500)"},
		{"200", "SmartWatch (R$ 200)"}, {"100", "Fone (R$ 100)"}, {"50", "Power Bank (R$ 50)"},
		{"20", "Capinha (R$ 20)"}, {"15", "Suporte (R$ 15)"}, {"10", "Cabo (R$ 10)"},
		{"5", "R$ 5,00"}, {"4", "R$ 4,00"}, {"3", "R$ 3,00"},
		{"2", "R$ 2,00"}, {"1", "R$ 1,00"}, {"0.5", "R$ 0,50"},
	}
	superPrizes = []seedPrize{
		{"500000", "Super Sorte (R$ 500.000)"}, {"200000", "Jeep (R$ 200.000)"}, {"20000", "Moto (R$ 20.000)"},
		{"10000", "Buggy (R$ 10.000)"}, {"4000", "Scooter (R$ 4.000)"}, {"2000", "Patinete (R$ 2.000)"},
		{"1000", "HoverBoard (R$ 1.000)"}, {"400", "Bike (R$ 400)"}, {"300", "Capacete (R$ 300)"},
		{"200", "Óculos (R$ 200)"}, {"100", "R$ 100,00"}, {"80", "R$ 80,00"},
		{"60", "R$ 60,00"}, {"40", "R$ 40,00"}, {"20", "R$ 20,00"}, {"10", "R$ 10,00"},
	}
)

var seedGames = []seedGame{
	{KeyPix, "Prêmio PIX na Conta", 100, "pix", pixPrizes},
	{KeyMeMimei, "Me Mimei", 200, "me-mimei", meMimeiPrizes},
	{KeyEletronicos, "Eletrônicos", 300, "eletronicos", eletronicosPrizes},
	{KeySuper, "Super Prêmios", 400, "super-premios", superPrizes},
	{KeyChestPix, "Baú PIX", 500, "pix", pixPrizes},
	{KeyChestMeMimei, "Baú Me Mimei", 600, "me-mimei", meMimeiPrizes},
	{KeyChestEletronicos, "Baú Eletrônicos", 700, "eletronicos", eletronicosPrizes},
	{KeyChestSuper, "Baú Super Prêmios", 800, "super-premios", superPrizes},
}

// Defaults returns a registry seeded with the stock scratch cards and chests:
// R$1.00 per card, multipliers 1/5/10, nine cells, three of a kind wins.
func Defaults() *Registry {
	r := NewRegistry()
	for _, sg := range seedGames {
		g := Game{
			Key:         sg.key,
			Name:        sg.name,
			Cost:        decimal.NewFromInt(1),
			Multipliers: []int64{1, 5, 10},
			Cells:       9,
			MatchCount:  3,
			Active:      true,
		}
		prizes := []Prize{{ID: sg.base, GameKey: sg.key, Value: decimal.Zero, Name: "Não foi dessa vez", NoWin: true}}
		for i, sp := range sg.prizes {
			prizes = append(prizes, Prize{
				ID:      sg.base + int64(i) + 1,
				GameKey: sg.key,
				Value:   decimal.RequireFromString(sp.value),
				Name:    sp.name,
				Asset:   fmt.Sprintf("/premios/%s/%s.webp", sg.asset, sp.value),
				Order:   i + 1,
			})
		}
		if err := r.Register(g, prizes); err != nil {
			panic(err)
		}
	}
	return r
}
