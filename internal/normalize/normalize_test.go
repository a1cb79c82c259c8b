package normalize

import "testing"

func TestKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Panel Cercano", "panel cercano"},
		{"Panel cercano", "panel cercano"},
		{"  Panel   cercano  ", "panel cercano"},
		{"Panel-cercano", "panel cercano"},
		{"Medición eléctrica", "medicion electrica"},
		{"MEDICIÓN ELÉCTRICA", "medicion electrica"},
		{"Site overview photo!!", "site overview photo"},
		{"foto_tablero__general", "foto tablero general"},
		{"", ""},
		{"...", ""},
	}
	for _, c := range cases {
		if got := Key(c.in); got != c.want {
			t.Errorf("Key(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKeyEquivalence(t *testing.T) {
	pairs := [][2]string{
		{"Panel Cercano", "panel  cercano"},
		{"Instalación terminada", "INSTALACION TERMINADA"},
		{"antes/después", "Antes después"},
	}
	for _, p := range pairs {
		if Key(p[0]) != Key(p[1]) {
			t.Errorf("expected %q and %q to normalize equal (%q vs %q)", p[0], p[1], Key(p[0]), Key(p[1]))
		}
	}
}

func TestFilenameStem(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"IMG_panel_cercano.jpg", "img panel cercano"},
		{"/uploads/2024/Site Overview Photo.PNG", "site overview photo"},
		{"noext", "noext"},
	}
	for _, c := range cases {
		if got := FilenameStem(c.in); got != c.want {
			t.Errorf("FilenameStem(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
